package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

func TestHistoryRepository_HandleEvent(t *testing.T) {
	db := openHistoryDB(t)
	repo := NewHistoryRepository(db.DB, nil)

	events := []relay.Event{
		{Type: relay.EventRegistered, DeviceID: "lamp-1", ConnectionID: "c1", At: testTime},
		{Type: relay.EventForwarded, DeviceID: "lamp-1", Recipients: 1, At: testTime.Add(time.Second)},
		{Type: relay.EventBroadcast, DeviceID: "lamp-1", Recipients: 3, At: testTime.Add(2 * time.Second)},
		{Type: relay.EventEvicted, DeviceID: "lamp-1", ConnectionID: "c1", Reason: "heartbeat_timeout", At: testTime.Add(time.Minute)},
		{Type: relay.EventRemoved, DeviceID: "", At: testTime},
	}
	for _, e := range events {
		repo.HandleEvent(e)
	}

	page, err := repo.List(context.Background(), HistoryFilter{DeviceID: "lamp-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("Total = %d, want 2 (only presence transitions)", page.Total)
	}

	// Most recent first.
	if page.Entries[0].Event != "evicted" || page.Entries[1].Event != "registered" {
		t.Errorf("events = [%s %s], want [evicted registered]", page.Entries[0].Event, page.Entries[1].Event)
	}
	if page.Entries[0].Reason != "heartbeat_timeout" {
		t.Errorf("Reason = %q, want heartbeat_timeout", page.Entries[0].Reason)
	}
	if page.Entries[1].ConnectionID != "c1" {
		t.Errorf("ConnectionID = %q, want c1", page.Entries[1].ConnectionID)
	}
	if !page.Entries[1].OccurredAt.Equal(testTime) {
		t.Errorf("OccurredAt = %v, want %v", page.Entries[1].OccurredAt, testTime)
	}
}

func TestHistoryRepository_Record(t *testing.T) {
	db := openHistoryDB(t)
	repo := NewHistoryRepository(db.DB, nil)
	repo.now = func() time.Time { return testTime }

	entry := &HistoryEntry{DeviceID: "lamp-1", Event: "registered"}
	if err := repo.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if entry.ID == "" {
		t.Error("Record() did not generate an ID")
	}
	if !entry.OccurredAt.Equal(testTime) {
		t.Errorf("OccurredAt = %v, want %v", entry.OccurredAt, testTime)
	}

	err := repo.Record(context.Background(), &HistoryEntry{Event: "registered"})
	if !errors.Is(err, relay.ErrMissingDeviceID) {
		t.Errorf("Record() without device error = %v, want ErrMissingDeviceID", err)
	}
}

func TestHistoryRepository_ListFilters(t *testing.T) {
	db := openHistoryDB(t)
	repo := NewHistoryRepository(db.DB, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		for _, id := range []string{"lamp-1", "lamp-2"} {
			entry := &HistoryEntry{
				DeviceID:   id,
				Event:      "registered",
				OccurredAt: testTime.Add(time.Duration(i) * time.Minute),
			}
			if i%2 == 1 {
				entry.Event = "removed"
			}
			if err := repo.Record(ctx, entry); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
	}

	tests := []struct {
		name      string
		filter    HistoryFilter
		wantTotal int
		wantLen   int
		wantLimit int
	}{
		{"all", HistoryFilter{}, 10, 10, defaultHistoryLimit},
		{"by device", HistoryFilter{DeviceID: "lamp-2"}, 5, 5, defaultHistoryLimit},
		{"by event", HistoryFilter{DeviceID: "lamp-1", Event: "removed"}, 2, 2, defaultHistoryLimit},
		{"limit", HistoryFilter{Limit: 3}, 10, 3, 3},
		{"offset past end", HistoryFilter{DeviceID: "lamp-1", Offset: 4}, 5, 1, defaultHistoryLimit},
		{"limit clamped", HistoryFilter{Limit: 10_000}, 10, 10, maxHistoryLimit},
		{"negative offset", HistoryFilter{Offset: -3}, 10, 10, defaultHistoryLimit},
		{"unknown device", HistoryFilter{DeviceID: "nope"}, 0, 0, defaultHistoryLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if page.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", page.Total, tt.wantTotal)
			}
			if len(page.Entries) != tt.wantLen {
				t.Errorf("len(Entries) = %d, want %d", len(page.Entries), tt.wantLen)
			}
			if page.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", page.Limit, tt.wantLimit)
			}
			if page.Entries == nil {
				t.Error("Entries is nil, want empty slice")
			}
		})
	}
}

func TestHistoryRepository_ListOrder(t *testing.T) {
	db := openHistoryDB(t)
	repo := NewHistoryRepository(db.DB, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &HistoryEntry{DeviceID: "lamp-1", Event: "registered", OccurredAt: testTime.Add(time.Duration(i) * time.Second)}
		if err := repo.Record(ctx, entry); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	page, err := repo.List(ctx, HistoryFilter{DeviceID: "lamp-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for i := 1; i < len(page.Entries); i++ {
		if page.Entries[i].OccurredAt.After(page.Entries[i-1].OccurredAt) {
			t.Fatalf("entries not newest first: %v after %v", page.Entries[i].OccurredAt, page.Entries[i-1].OccurredAt)
		}
	}
}
