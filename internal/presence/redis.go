package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// Redis timeouts.
const (
	redisDialTimeout = 5 * time.Second
	redisIOTimeout   = 3 * time.Second
	redisOpTimeout   = 3 * time.Second

	onlineKey = "online"
)

// HashStore is the subset of *redis.Client the mirror uses.
type HashStore interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisClient connects to the configured Redis server and verifies it
// with a PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisIOTimeout,
		WriteTimeout: redisIOTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// RedisMirror maintains a hash <prefix>online mapping device ID to the
// RFC3339 time it came online. Other services read it to find out which
// devices are reachable through the relay.
type RedisMirror struct {
	store  HashStore
	key    string
	logger relay.Logger
}

// NewRedisMirror creates a mirror writing under keyPrefix.
func NewRedisMirror(store HashStore, keyPrefix string, logger relay.Logger) *RedisMirror {
	if logger == nil {
		logger = nopLogger{}
	}
	return &RedisMirror{store: store, key: keyPrefix + onlineKey, logger: logger}
}

// Key returns the hash key being maintained.
func (m *RedisMirror) Key() string {
	return m.key
}

// HandleEvent implements relay.EventSink.
func (m *RedisMirror) HandleEvent(e relay.Event) {
	if !isPresenceEvent(e.Type) || e.DeviceID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var err error
	if e.Online() {
		err = m.store.HSet(ctx, m.key, e.DeviceID, e.At.UTC().Format(time.RFC3339Nano)).Err()
	} else {
		err = m.store.HDel(ctx, m.key, e.DeviceID).Err()
	}
	if err != nil {
		m.logger.Warn("updating redis online mirror", "device_id", e.DeviceID, "event", string(e.Type), "error", err)
	}
}

// Online returns the mirrored devices and the time each came online.
func (m *RedisMirror) Online(ctx context.Context) (map[string]time.Time, error) {
	fields, err := m.store.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.key, err)
	}

	online := make(map[string]time.Time, len(fields))
	for id, v := range fields {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			m.logger.Debug("skipping malformed online entry", "device_id", id, "value", v)
			continue
		}
		online[id] = t
	}
	return online, nil
}

// Reset deletes the hash. Called at startup, since a fresh relay has no
// connections and anything left over is stale.
func (m *RedisMirror) Reset(ctx context.Context) error {
	if err := m.store.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("clearing %s: %w", m.key, err)
	}
	return nil
}
