package bridge

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
)

// NewPublisher returns a Redis Streams publisher when redisAddr is set, and
// an in-process channel publisher otherwise.
func NewPublisher(redisAddr string) (message.Publisher, error) {
	logger := NewWatermillLogger(logging.Logger())
	if redisAddr == "" {
		return gochannel.NewGoChannel(gochannel.Config{}, logger), nil
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "create redis stream publisher addr=%s", redisAddr)
	}
	return pub, nil
}

// Topic is the bus topic for a room's feed.
func Topic(prefix, room string) string {
	if prefix == "" {
		return room
	}
	return prefix + "." + room
}

// watermillLogger adapts zerolog to watermill.LoggerAdapter.
type watermillLogger struct {
	log zerolog.Logger
}

// NewWatermillLogger wraps l for watermill components.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: l.With().Str("category", logging.CategoryBridge).Logger()}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: w.log.With().Fields(map[string]interface{}(fields)).Logger()}
}
