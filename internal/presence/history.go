package presence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// Page size limits for history queries.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// recordTimeout bounds a single insert made from the event dispatcher.
	recordTimeout = 5 * time.Second
)

// HistoryEntry is one row of presence_events.
type HistoryEntry struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Event        string    `json:"event"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// HistoryFilter controls which history rows List returns.
type HistoryFilter struct {
	DeviceID string // optional: restrict to one device
	Event    string // optional: registered, removed or evicted
	Limit    int    // default 50, max 200
	Offset   int
}

// HistoryPage is a paginated slice of history rows.
type HistoryPage struct {
	Entries []HistoryEntry `json:"entries"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// HistoryRepository persists device presence transitions to SQLite and
// serves them back for the history endpoint. It is a relay.EventSink;
// only registered, removed and evicted events are stored.
type HistoryRepository struct {
	db     *sql.DB
	logger relay.Logger
	now    func() time.Time
}

// NewHistoryRepository creates a repository over db. The presence_events
// table must already exist (see the migrations package).
func NewHistoryRepository(db *sql.DB, logger relay.Logger) *HistoryRepository {
	if logger == nil {
		logger = nopLogger{}
	}
	return &HistoryRepository{db: db, logger: logger, now: time.Now}
}

// HandleEvent implements relay.EventSink.
func (r *HistoryRepository) HandleEvent(e relay.Event) {
	if !isPresenceEvent(e.Type) || e.DeviceID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	entry := &HistoryEntry{
		DeviceID:     e.DeviceID,
		Event:        string(e.Type),
		ConnectionID: e.ConnectionID,
		Reason:       e.Reason,
		OccurredAt:   e.At,
	}
	if err := r.Record(ctx, entry); err != nil {
		r.logger.Error("recording presence event", "device_id", e.DeviceID, "event", string(e.Type), "error", err)
	}
}

// Record inserts entry. ID and OccurredAt are generated when empty.
func (r *HistoryRepository) Record(ctx context.Context, entry *HistoryEntry) error {
	if entry.DeviceID == "" {
		return fmt.Errorf("recording presence event: %w", relay.ErrMissingDeviceID)
	}
	if entry.ID == "" {
		entry.ID = "prs-" + uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now()
	}
	entry.OccurredAt = entry.OccurredAt.UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presence_events (id, device_id, event, connection_id, reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DeviceID, entry.Event,
		nullableString(entry.ConnectionID), nullableString(entry.Reason),
		entry.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting presence event: %w", err)
	}
	return nil
}

// List returns history rows matching filter, most recent first.
func (r *HistoryRepository) List(ctx context.Context, filter HistoryFilter) (*HistoryPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, filter.Event)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM presence_events " + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting presence events: %w", err)
	}

	query := "SELECT id, device_id, event, connection_id, reason, occurred_at FROM presence_events " +
		where + " ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying presence events: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, filter.Limit)
	for rows.Next() {
		var e HistoryEntry
		var connID, reason sql.NullString
		var occurredAt string

		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Event, &connID, &reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning presence event: %w", err)
		}
		e.ConnectionID = connID.String
		e.Reason = reason.String

		t, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing presence event timestamp %q: %w", occurredAt, err)
		}
		e.OccurredAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating presence events: %w", err)
	}

	return &HistoryPage{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// isPresenceEvent reports whether t changes a device's online state.
func isPresenceEvent(t relay.EventType) bool {
	switch t {
	case relay.EventRegistered, relay.EventRemoved, relay.EventEvicted:
		return true
	default:
		return false
	}
}

// nullableString maps "" to NULL for optional TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
