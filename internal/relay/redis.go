package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig wires a RedisRelay.
type RedisConfig struct {
	Client        *redis.Client
	ChannelPrefix string
	// Origin identifies this process; a random id is generated when empty.
	Origin string
	Logger *zap.Logger
}

// RedisRelay relays deltas over redis pub/sub, one channel per document.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin string
	logger *zap.Logger
}

// NewRedisRelay validates the configuration and constructs a relay.
func NewRedisRelay(cfg RedisConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	prefix := cfg.ChannelPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultChannelPrefix
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: cfg.Client, prefix: prefix, origin: origin, logger: logger}, nil
}

// Origin returns the id stamped on every published envelope.
func (r *RedisRelay) Origin() string {
	return r.origin
}

func (r *RedisRelay) channel(documentID string) string {
	return r.prefix + documentID
}

// Publish sends the delta on the document's channel.
func (r *RedisRelay) Publish(ctx context.Context, documentID string, update []byte) error {
	payload, err := encodeEnvelope(envelope{Origin: r.origin, DocumentID: documentID, Update: update})
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", documentID, err)
	}
	return nil
}

// Run subscribes to every document channel and hands remote deltas to handler until ctx
// is done.
func (r *RedisRelay) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errMissingHandler
	}
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", zap.String("pattern", r.prefix+"*"), zap.String("origin", r.origin))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay: subscription closed")
			}
			r.dispatch(ctx, message.Channel, []byte(message.Payload), handler)
		}
	}
}

func (r *RedisRelay) dispatch(ctx context.Context, channel string, payload []byte, handler Handler) {
	message, err := decodeEnvelope(payload)
	if err != nil {
		r.logger.Warn("relay envelope rejected", zap.String("channel", channel), zap.Error(err))
		return
	}
	if message.Origin == r.origin {
		return
	}
	if r.channel(message.DocumentID) != channel {
		r.logger.Warn("relay envelope on foreign channel",
			zap.String("channel", channel),
			zap.String("document_id", message.DocumentID))
		return
	}
	handler(ctx, message.DocumentID, message.Update)
}

// Close closes the redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
