package relay

import (
	"context"
	"time"
)

// evictionMultiplier is how many heartbeat periods an entry may stay silent.
// One missed heartbeat is tolerated, two consecutive misses evict.
const evictionMultiplier = 2

// Reaper periodically evicts registry entries whose last-seen time is older
// than twice the heartbeat interval, closing the underlying connection.
//
// Eviction is a liveness policy: a briefly delayed but alive client may be
// evicted and must re-register. The reaper never waits for acknowledgement.
type Reaper struct {
	registry *Registry
	interval time.Duration
	now      Clock
	logger   Logger
	onEvict  func(Entry)
}

// NewReaper creates a reaper over registry ticking every interval.
// onEvict, if non-nil, is called for each evicted entry after removal.
func NewReaper(registry *Registry, interval time.Duration, clock Clock, logger Logger, onEvict func(Entry)) *Reaper {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		now:      clock,
		logger:   logger,
		onEvict:  onEvict,
	}
}

// Interval returns the heartbeat period the reaper ticks on.
func (rp *Reaper) Interval() time.Duration {
	return rp.interval
}

// Timeout returns the eviction window.
func (rp *Reaper) Timeout() time.Duration {
	return evictionMultiplier * rp.interval
}

// Run ticks until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	rp.logger.Debug("reaper started", "interval", rp.interval, "timeout", rp.Timeout())
	for {
		select {
		case <-ctx.Done():
			rp.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			rp.Sweep(rp.now())
		}
	}
}

// Sweep performs one eviction pass as of now and returns the evicted IDs.
// Entries with now - lastSeen > Timeout() are removed and their connection closed.
func (rp *Reaper) Sweep(now time.Time) []string {
	cutoff := now.Add(-rp.Timeout())

	var evicted []string
	for _, e := range rp.registry.Snapshot() {
		if !e.LastSeen.Before(cutoff) {
			continue
		}
		// Re-check under the lock: the entry may have been refreshed,
		// replaced or removed since the snapshot was taken.
		if !rp.registry.RemoveStale(e.DeviceID, e.Conn, cutoff) {
			continue
		}

		if err := e.Conn.Close(); err != nil {
			rp.logger.Debug("closing evicted connection", "device_id", e.DeviceID, "error", err)
		}
		rp.logger.Info("device evicted",
			"device_id", e.DeviceID,
			"connection_id", e.Conn.ID(),
			"silent_for", now.Sub(e.LastSeen).String(),
		)
		if rp.onEvict != nil {
			rp.onEvict(e)
		}
		evicted = append(evicted, e.DeviceID)
	}
	return evicted
}
