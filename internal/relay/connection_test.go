package relay

import (
	"errors"
	"sync"
	"testing"
)

func TestConnection_SendOpen(t *testing.T) {
	conn, ft := testConn(nil)

	if err := conn.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	frames := ft.Frames()
	if len(frames) != 1 || string(frames[0]) != `{"a":1}` {
		t.Errorf("frames = %q, want one frame {\"a\":1}", frames)
	}
	if conn.State() != StateOpen {
		t.Errorf("State() = %s, want open", conn.State())
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn, ft := testConn(nil)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := conn.Send([]byte("x"))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after close error = %v, want ErrConnectionClosed", err)
	}
	if len(ft.Frames()) != 0 {
		t.Errorf("closed connection wrote %d frames", len(ft.Frames()))
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %s, want closed", conn.State())
	}
}

func TestConnection_SendTransportFailure(t *testing.T) {
	conn, ft := testConn(nil)
	ft.setWriteErr(errors.New("buffer full"))

	err := conn.Send([]byte("x"))
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("Send() error = %v, want ErrTransportFailure", err)
	}
	if !conn.IsOpen() {
		t.Error("a failed send must not close the connection")
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	var callbacks int
	var mu sync.Mutex
	conn, ft := testConn(func(*Connection) {
		mu.Lock()
		callbacks++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close()
		}()
	}
	wg.Wait()

	if got := ft.CloseCalls(); got != 1 {
		t.Errorf("transport Close calls = %d, want 1", got)
	}
	if callbacks != 1 {
		t.Errorf("close callbacks = %d, want 1", callbacks)
	}
}

func TestConnection_Bind(t *testing.T) {
	conn, _ := testConn(nil)
	if conn.DeviceID() != "" {
		t.Errorf("new connection DeviceID() = %q, want empty", conn.DeviceID())
	}
	if prev := conn.bind("lamp-1"); prev != "" {
		t.Errorf("first bind returned %q, want empty", prev)
	}
	if prev := conn.bind("lamp-2"); prev != "lamp-1" {
		t.Errorf("second bind returned %q, want lamp-1", prev)
	}
	if conn.DeviceID() != "lamp-2" {
		t.Errorf("DeviceID() = %q, want lamp-2", conn.DeviceID())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpen, "open"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
