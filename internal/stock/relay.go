package stock

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel carries durable-tenant change announcements.
const DefaultRelayChannel = "stock.changed"

type relayMessage struct {
	Origin string `json:"origin"`
	Tenant string `json:"tenant"`
}

// RedisRelay fans committed durable changes out to every process serving the tenant.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisRelay constructs the relay. A nil client disables it.
func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this process in relayed messages.
func (r *RedisRelay) Origin() string {
	if r == nil {
		return ""
	}
	return r.origin
}

// Announce implements ChangeRelay.
func (r *RedisRelay) Announce(ctx context.Context, tenantID string) error {
	if r == nil || r.client == nil {
		return nil
	}
	raw, err := json.Marshal(relayMessage{Origin: r.origin, Tenant: tenantID})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, raw).Err()
}

// Listen refreshes loaded ledgers when another process announces a change.
// It returns once the subscription is established; delivery stops with ctx.
func (r *RedisRelay) Listen(ctx context.Context, registry *Registry) error {
	if r == nil || r.client == nil || registry == nil {
		return nil
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(ctx, registry, msg.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) handle(ctx context.Context, registry *Registry, payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("stock relay payload invalid", slog.Any("error", err))
		return
	}
	if msg.Origin == r.origin || msg.Tenant == "" {
		return
	}
	ledger, ok := registry.Loaded(msg.Tenant)
	if !ok || ledger.Mode() != ModeDurable {
		return
	}
	if err := ledger.Refresh(ctx); err != nil {
		r.logger.Warn("stock relay refresh failed", slog.String("tenant_id", msg.Tenant), slog.Any("error", err))
	}
}
