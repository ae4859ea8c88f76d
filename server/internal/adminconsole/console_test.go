package adminconsole

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/bifrost-project/bifrost/server/internal/registry"
	"github.com/bifrost-project/bifrost/server/internal/storage"
)

type fakeListener struct{}

func (fakeListener) Close() error { return nil }

func newTestConsole(t *testing.T) *Console {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/console.db")
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(func(m registry.TunnelMapping) (registry.Listener, error) {
		return fakeListener{}, nil
	})
	if err := reg.CreateTunnel(registry.TunnelMapping{BackendID: "b1", TunnelID: "t1", ServerPort: 19999}); err != nil {
		t.Fatalf("create tunnel failed: %v", err)
	}

	return &Console{Store: store, Reg: reg, MinTick: 10 * time.Millisecond}
}

// serverClientSessions wires up a yamux client/server pair directly over
// net.Pipe, skipping the websocket handshake used in production; the
// multiplexing behavior under test is identical either way since yamux
// only needs an io.ReadWriteCloser.
func serverClientSessions(t *testing.T) (*yamux.Session, *yamux.Session) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	serverSession, err := yamux.Server(serverConn, nil)
	if err != nil {
		t.Fatalf("yamux server failed: %v", err)
	}
	clientSession, err := yamux.Client(clientConn, nil)
	if err != nil {
		t.Fatalf("yamux client failed: %v", err)
	}
	t.Cleanup(func() {
		serverSession.Close()
		clientSession.Close()
	})
	return serverSession, clientSession
}

func TestHandleStreamStatusChannel(t *testing.T) {
	console := newTestConsole(t)
	serverSession, clientSession := serverClientSessions(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go console.serve(ctx, serverSession)

	stream, err := clientSession.OpenStream()
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()

	sub, _ := json.Marshal(subscribeMessage{Channel: "status", IntervalMs: 5})
	if _, err := stream.Write(append(sub, '\n')); err != nil {
		t.Fatalf("write subscribe failed: %v", err)
	}

	buf := make([]byte, 4096)
	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("read status snapshot failed: %v", err)
	}

	var status registry.Status
	if err := json.Unmarshal(trimTrailingNewline(buf[:n]), &status); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if len(status.ActiveTunnels) != 1 || status.ActiveTunnels[0] != "b1/t1" {
		t.Fatalf("unexpected status snapshot: %+v", status)
	}
}

func TestHandleStreamUnknownChannelErrors(t *testing.T) {
	console := newTestConsole(t)
	serverSession, clientSession := serverClientSessions(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go console.serve(ctx, serverSession)

	stream, err := clientSession.OpenStream()
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()

	sub, _ := json.Marshal(subscribeMessage{Channel: "bogus", IntervalMs: 5})
	if _, err := stream.Write(append(sub, '\n')); err != nil {
		t.Fatalf("write subscribe failed: %v", err)
	}

	buf := make([]byte, 4096)
	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("read error reply failed: %v", err)
	}
	var reply map[string]string
	if err := json.Unmarshal(trimTrailingNewline(buf[:n]), &reply); err != nil {
		t.Fatalf("decode reply failed: %v", err)
	}
	if reply["error"] == "" {
		t.Fatalf("expected an error field, got %+v", reply)
	}
}

func trimTrailingNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}
