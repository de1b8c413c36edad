package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
	_ "github.com/nerrad567/gray-logic-relay/migrations" // registers presence_events schema
)

var testTime = time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC)

var errFake = errors.New("fake failure")

// openHistoryDB returns a migrated in-memory database.
func openHistoryDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakePublisher records MQTT publishes.
type fakePublisher struct {
	mu       sync.Mutex
	topics   mqtt.Topics
	messages []published
	err      error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{topics: mqtt.NewTopics("test")}
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (f *fakePublisher) PublishRetained(topic string, payload []byte) error {
	return f.Publish(topic, payload, f.QoS(), true)
}

func (f *fakePublisher) Topics() mqtt.Topics { return f.topics }
func (f *fakePublisher) QoS() byte           { return 1 }

func (f *fakePublisher) Messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

// fakeWriter records InfluxDB points.
type fakeWriter struct {
	mu     sync.Mutex
	events []influxdb.EventPoint
	stats  []influxdb.StatsPoint
}

func (f *fakeWriter) WriteEvent(e influxdb.EventPoint) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeWriter) WriteStats(s influxdb.StatsPoint) {
	f.mu.Lock()
	f.stats = append(f.stats, s)
	f.mu.Unlock()
}

func (f *fakeWriter) StatsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stats)
}

// fakeHashStore is an in-memory HashStore.
type fakeHashStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	err    error
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{hashes: make(map[string]map[string]string)}
}

func (f *fakeHashStore) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field, _ := values[i].(string)
		value, _ := values[i+1].(string)
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = value
	}
	cmd.SetVal(added)
	return cmd
}

func (f *fakeHashStore) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var removed int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

func (f *fakeHashStore) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewMapStringStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeHashStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var removed int64
	for _, k := range keys {
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

// fakeSubscriber captures the handler passed to Subscribe.
type fakeSubscriber struct {
	topics       mqtt.Topics
	subscribed   string
	unsubscribed string
	handler      mqtt.MessageHandler
	err          error
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.err != nil {
		return f.err
	}
	f.subscribed = topic
	f.handler = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.unsubscribed = topic
	return nil
}

func (f *fakeSubscriber) Topics() mqtt.Topics { return f.topics }
func (f *fakeSubscriber) QoS() byte           { return 1 }

// fakeSender records SendTo calls.
type fakeSender struct {
	calls map[string][][]byte
	err   error
}

func (f *fakeSender) SendTo(deviceID string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = make(map[string][][]byte)
	}
	f.calls[deviceID] = append(f.calls[deviceID], payload)
	return nil
}
