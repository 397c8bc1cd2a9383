package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/internal/cache"
)

// RedisTransportConfig holds configuration for the Redis transport.
type RedisTransportConfig struct {
	// Channel carries announcements.
	Channel string `json:"channel"`

	// PresenceTTL bounds how long a card snapshot outlives its last
	// announcement.
	PresenceTTL time.Duration `json:"presence_ttl"`
}

// DefaultRedisTransportConfig returns a RedisTransportConfig with sensible
// defaults.
func DefaultRedisTransportConfig() *RedisTransportConfig {
	return &RedisTransportConfig{
		Channel:     "cyreal:announce",
		PresenceTTL: 120 * time.Second,
	}
}

// RedisTransport shares announcements between coordination servers through
// Redis. Each card is also written as a presence key so a listener that
// starts late can load the agents already announced.
type RedisTransport struct {
	redis  *cache.Manager
	config *RedisTransportConfig
	sender string
	logger *zap.Logger
}

// NewRedisTransport creates a transport on an existing Redis manager. The
// manager is not closed by the transport.
func NewRedisTransport(redis *cache.Manager, config *RedisTransportConfig, logger *zap.Logger) *RedisTransport {
	if config == nil {
		config = DefaultRedisTransportConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{
		redis:  redis,
		config: config,
		sender: uuid.NewString(),
		logger: logger.With(zap.String("component", "redis_transport")),
	}
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) presenceKey(agentID string) string {
	return t.redis.Key("agent:" + agentID)
}

// Announce implements Transport.
func (t *RedisTransport) Announce(ctx context.Context, cards []*a2a.AgentCard) error {
	if len(cards) == 0 {
		return nil
	}
	var errs []error
	for _, card := range cards {
		if err := t.redis.SetJSON(ctx, t.presenceKey(card.AgentID), card, t.config.PresenceTTL); err != nil {
			errs = append(errs, err)
		}
	}
	ann := Announcement{Sender: t.sender, SentAt: time.Now().UTC(), Cards: cards}
	if err := t.redis.Publish(ctx, t.config.Channel, ann); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Snapshot loads every card that still has a presence key.
func (t *RedisTransport) Snapshot(ctx context.Context) ([]*a2a.AgentCard, error) {
	keys, err := t.redis.Scan(ctx, t.presenceKey("*"))
	if err != nil {
		return nil, err
	}
	cards := make([]*a2a.AgentCard, 0, len(keys))
	for _, key := range keys {
		var card a2a.AgentCard
		if err := t.redis.GetJSON(ctx, key, &card); err != nil {
			if cache.IsCacheMiss(err) {
				continue
			}
			t.logger.Debug("skipping unreadable presence key", zap.String("key", key), zap.Error(err))
			continue
		}
		cards = append(cards, &card)
	}
	return cards, nil
}

// Listen implements Transport. It replays the presence snapshot, then
// delivers live announcements from other senders until ctx is done.
func (t *RedisTransport) Listen(ctx context.Context, handler func(*a2a.AgentCard)) error {
	sub, err := t.redis.Subscribe(ctx, t.config.Channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	snapshot, err := t.Snapshot(ctx)
	if err != nil {
		t.logger.Warn("failed to load presence snapshot", zap.Error(err))
	}
	for _, card := range snapshot {
		handler(card)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var ann Announcement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
				t.logger.Debug("failed to parse redis announcement", zap.Error(err))
				continue
			}
			if ann.Sender == t.sender {
				continue
			}
			for _, card := range ann.Cards {
				if card != nil {
					handler(card)
				}
			}
		}
	}
}

// Close implements Transport.
func (t *RedisTransport) Close() error { return nil }
