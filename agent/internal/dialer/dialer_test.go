package dialer

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/bifrost-project/bifrost/internal/wire"
)

type recordingSender struct {
	sent chan wire.Frame
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan wire.Frame, 16)}
}

func (s *recordingSender) Send(f wire.Frame) bool {
	s.sent <- f
	return true
}

func (s *recordingSender) next(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f := <-s.sent:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return wire.Frame{}
	}
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestStartDialsAndEchoesData(t *testing.T) {
	ln := echoServer(t)
	defer ln.Close()
	targetPort := ln.Addr().(*net.TCPAddr).Port

	reg := NewRegistry()
	sender := newRecordingSender()

	reg.Start(sender, "r1", "t1", targetPort, "127.0.0.1")

	connect := sender.next(t)
	if connect.Type != wire.TypeConnect || connect.RequestID != "r1" {
		t.Fatalf("expected connect frame, got %+v", connect)
	}

	reg.Dispatch(wire.Data("r1", base64.StdEncoding.EncodeToString([]byte("hello"))))

	data := sender.next(t)
	if data.Type != wire.TypeData || data.RequestID != "r1" {
		t.Fatalf("expected data frame, got %+v", data)
	}
	payload, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		t.Fatalf("bad base64: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("expected echoed 'hello', got %q", payload)
	}

	reg.Dispatch(wire.End("r1"))
}

func TestDataBeforeConnectIsQueuedThenFlushed(t *testing.T) {
	ln := echoServer(t)
	defer ln.Close()
	targetPort := ln.Addr().(*net.TCPAddr).Port

	reg := NewRegistry()
	sender := newRecordingSender()

	reg.mu.Lock()
	c := &Conn{requestID: "r2", tunnelID: "t1", targetIP: "127.0.0.1", localPort: targetPort, sender: sender, registry: reg}
	reg.conns["r2"] = c
	reg.mu.Unlock()

	c.onData(base64.StdEncoding.EncodeToString([]byte("buffered")))

	go c.dialAndPump()

	connect := sender.next(t)
	if connect.Type != wire.TypeConnect {
		t.Fatalf("expected connect frame, got %+v", connect)
	}

	data := sender.next(t)
	payload, _ := base64.StdEncoding.DecodeString(data.Data)
	if string(payload) != "buffered" {
		t.Fatalf("expected flushed 'buffered' payload, got %q", payload)
	}
}

func TestSweepOnceKillsLongPendingConn(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()

	reg.mu.Lock()
	c := &Conn{requestID: "rp", tunnelID: "t1", targetIP: "127.0.0.1", localPort: 1, sender: sender, registry: reg, lastActivity: time.Now().Add(-2 * pendingMaxAge)}
	reg.conns["rp"] = c
	reg.mu.Unlock()

	reg.sweepOnce()

	reg.mu.Lock()
	_, ok := reg.conns["rp"]
	reg.mu.Unlock()
	if ok {
		t.Fatalf("expected long-pending Conn destroyed by sweepOnce")
	}
}

func TestSweepOnceDropsAgedPendingChunks(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()

	c := &Conn{requestID: "rq", tunnelID: "t1", targetIP: "127.0.0.1", localPort: 1, sender: sender, registry: reg, lastActivity: time.Now()}
	c.pending = []pendingChunk{
		{payload: []byte("stale"), queued: time.Now().Add(-2 * pendingMaxAge)},
		{payload: []byte("fresh"), queued: time.Now()},
	}
	reg.mu.Lock()
	reg.conns["rq"] = c
	reg.mu.Unlock()

	reg.sweepOnce()

	if len(c.pending) != 1 || string(c.pending[0].payload) != "fresh" {
		t.Fatalf("expected only the fresh chunk to survive, got %+v", c.pending)
	}
}

func TestStartFailsDialSendsError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow retry-exhaustion test in short mode")
	}
	reg := NewRegistry()
	sender := newRecordingSender()

	// Nothing listening on this port; all dialMaxAttempts attempts fail,
	// with dialRetryWait between them.
	reg.Start(sender, "r3", "t1", 1, "127.0.0.1")

	select {
	case errFrame := <-sender.sent:
		if errFrame.Type != wire.TypeError || errFrame.RequestID != "r3" {
			t.Fatalf("expected error frame, got %+v", errFrame)
		}
	case <-time.After(dialMaxAttempts*dialRetryWait + 5*time.Second):
		t.Fatalf("timed out waiting for error frame after retry exhaustion")
	}
}
