package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/reasonance/pkg/broadcast"
)

// handleSessionEvents streams the per-session topic over SSE, starting
// with an initial_state replay of the current transcript and graph.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q, err := s.hub.Subscribe(r.Context(), broadcast.TopicForSession(sess.ID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer q.Close()

	setSSEHeaders(w)

	initial := map[string]any{
		"type":           broadcast.EventInitialState,
		"participants":   sess.Participants(),
		"transcripts":    sess.Turns(),
		"argument_graph": sess.Mapper().Graph().Snapshot(),
	}
	if !writeSSEEvent(w, initial) {
		return
	}
	flusher.Flush()

	streamQueue(w, r, flusher, q)
}

// handleGlobalEvents streams the global topic over SSE: session-list
// updates, removals, and keepalives.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q, err := s.hub.Subscribe(r.Context(), broadcast.GlobalTopic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer q.Close()

	setSSEHeaders(w)

	if !writeSSEEvent(w, map[string]any{"type": broadcast.EventConnected}) {
		return
	}
	if !writeSSEEvent(w, map[string]any{"type": broadcast.EventKeepalive}) {
		return
	}
	flusher.Flush()

	streamQueue(w, r, flusher, q)
}

func streamQueue(w http.ResponseWriter, r *http.Request, flusher http.Flusher, q *broadcast.Queue) {
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-q.C():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w http.ResponseWriter, event map[string]any) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("marshaling sse event failed")
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err == nil
}

// handleSessionWS mirrors the per-session SSE stream over a WebSocket,
// initial_state first.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	q, err := s.hub.Subscribe(r.Context(), broadcast.TopicForSession(sess.ID))
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("ws subscribe failed")
		return
	}
	defer q.Close()

	initial, err := json.Marshal(map[string]any{
		"type":           broadcast.EventInitialState,
		"participants":   sess.Participants(),
		"transcripts":    sess.Turns(),
		"argument_graph": sess.Mapper().Graph().Snapshot(),
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
		return
	}

	// the read loop only detects the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case payload, ok := <-q.C():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Str("session_id", sess.ID).Msg("ws write failed, dropping connection")
				return
			}
		}
	}
}
