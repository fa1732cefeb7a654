package broadcast

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Queue is one subscriber's view of a topic. Payloads accumulate in an
// unbounded buffer between the transport and the reader, so a slow reader
// never blocks publishers or other subscribers.
type Queue struct {
	topic  string
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	buf    [][]byte
	closed bool

	out      chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newQueue(topic string, cancel context.CancelFunc) *Queue {
	q := &Queue{
		topic:  topic,
		cancel: cancel,
		out:    make(chan []byte),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// C delivers payloads in publish order. The channel closes after Close or
// after the topic's close sentinel, once buffered payloads are drained.
func (q *Queue) C() <-chan []byte {
	return q.out
}

func (q *Queue) Topic() string {
	return q.topic
}

// Close tears the queue down from the reader side. Buffered payloads are
// dropped. Closing twice is a no-op.
func (q *Queue) Close() {
	q.shutdown()
	q.doneOnce.Do(func() {
		close(q.done)
	})
}

// shutdown stops intake and lets the pump drain what is buffered. Readers
// that are still consuming receive the remainder before the channel closes.
func (q *Queue) shutdown() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *Queue) consume(ch <-chan *message.Message) {
	for msg := range ch {
		if msg.Metadata.Get(closeMetadataKey) != "" {
			msg.Ack()
			break
		}
		q.push(msg.Payload)
		msg.Ack()
	}
	q.shutdown()
}

func (q *Queue) push(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.buf = append(q.buf, cp)
	q.cond.Signal()
}

func (q *Queue) pump() {
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		payload := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- payload:
		case <-q.done:
			// reader gone, drop the remainder
			close(q.out)
			return
		}
	}
}
