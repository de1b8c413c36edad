package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport records frames written to it.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	writeErr   error
	closed     bool
	closeCalls int
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.closed {
		return errFakeClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closed = true
	return nil
}

func (f *fakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eventRecorder collects events delivered by the broker.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) Count(t EventType, deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t && e.DeviceID == deviceID {
			n++
		}
	}
	return n
}

// testConn returns an open connection over a fake transport.
func testConn(onClose func(*Connection)) (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	return newConnection(ft, "127.0.0.1:0", onClose), ft
}

// decodeFrame unmarshals a frame into a generic map.
func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("unmarshal frame %q: %v", frame, err)
	}
	return m
}

// register drives a register message through the broker and discards the ack.
func register(t *testing.T, b *Broker, conn *Connection, ft *fakeTransport, id string) {
	t.Helper()
	before := len(ft.Frames())
	b.HandleInbound(conn, []byte(`{"type":"register","deviceId":"`+id+`"}`))
	frames := ft.Frames()
	if len(frames) != before+1 {
		t.Fatalf("register %s: got %d new frames, want 1", id, len(frames)-before)
	}
	if got := decodeFrame(t, frames[len(frames)-1])["type"]; got != TypeRegistrationAck {
		t.Fatalf("register %s: reply type = %v, want %s", id, got, TypeRegistrationAck)
	}
}

// acceptN accepts n connections on b.
func acceptN(b *Broker, n int) ([]*Connection, []*fakeTransport) {
	conns := make([]*Connection, n)
	transports := make([]*fakeTransport, n)
	for i := 0; i < n; i++ {
		ft := &fakeTransport{}
		transports[i] = ft
		conns[i] = b.Accept(ft, "127.0.0.1:0")
	}
	return conns, transports
}
