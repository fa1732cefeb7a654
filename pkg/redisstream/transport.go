package redisstream

import (
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/geppetto/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// BuildTransport constructs a Redis Streams publisher and subscriber for
// the broadcast hub. The subscriber is groupless: every hub queue reads the
// full stream, which is what topic fan-out requires. Returns nils when the
// transport is disabled; the hub then keeps its in-process transport.
func BuildTransport(s Settings) (message.Publisher, message.Subscriber, error) {
	if !s.Enabled {
		return nil, nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := helpers.NewWatermill(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build redis subscriber")
	}

	log.Info().Str("addr", s.Addr).Msg("broadcast hub using redis streams transport")
	return pub, sub, nil
}
