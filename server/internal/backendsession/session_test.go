package backendsession

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bifrost-project/bifrost/internal/wire"
)

type fakeResolver struct {
	keys map[string]string
}

func (f *fakeResolver) ResolveAPIKey(apiKey string) (string, bool) {
	id, ok := f.keys[apiKey]
	return id, ok
}

type fakeRequests struct {
	mu           sync.Mutex
	dispatched   []wire.Frame
	tornDown     []string
}

func (f *fakeRequests) Dispatch(backendID string, frame wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, frame)
}

func (f *fakeRequests) TeardownBackend(backendID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, backendID)
}

func TestAcceptRegistersAndReplies(t *testing.T) {
	resolver := &fakeResolver{keys: map[string]string{"good-key": "b1"}}
	requests := &fakeRequests{}
	mgr := NewManager(resolver, requests)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		mgr.Accept(server)
		close(done)
	}()

	clientWriter := wire.NewWriter(client)
	clientReader := wire.NewReader(client)

	if err := clientWriter.WriteFrame(wire.Register("good-key")); err != nil {
		t.Fatalf("write register failed: %v", err)
	}

	reply, err := clientReader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	if reply.Type != wire.TypeRegistered || reply.BackendID != "b1" {
		t.Fatalf("expected registered{b1}, got %+v", reply)
	}

	if !mgr.Has("b1") {
		t.Fatalf("expected session installed for b1")
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Accept did not return after client close")
	}

	if mgr.Has("b1") {
		t.Fatalf("expected session torn down after disconnect")
	}
}

func TestAcceptRejectsBadKey(t *testing.T) {
	resolver := &fakeResolver{keys: map[string]string{}}
	requests := &fakeRequests{}
	mgr := NewManager(resolver, requests)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		mgr.Accept(server)
		close(done)
	}()

	clientWriter := wire.NewWriter(client)
	clientReader := wire.NewReader(client)
	_ = clientWriter.WriteFrame(wire.Register("wrong"))

	reply, err := clientReader.ReadFrame()
	if err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	if reply.Type != wire.TypeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", reply)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Accept did not return after unauthorized")
	}
}

func TestSecondRegisterEvictsFirst(t *testing.T) {
	resolver := &fakeResolver{keys: map[string]string{"k1": "b1"}}
	requests := &fakeRequests{}
	mgr := NewManager(resolver, requests)

	server1, client1 := net.Pipe()
	server2, client2 := net.Pipe()
	defer client1.Close()
	defer client2.Close()

	done1 := make(chan struct{})
	go func() {
		mgr.Accept(server1)
		close(done1)
	}()

	w1 := wire.NewWriter(client1)
	r1 := wire.NewReader(client1)
	_ = w1.WriteFrame(wire.Register("k1"))
	if _, err := r1.ReadFrame(); err != nil {
		t.Fatalf("first register reply failed: %v", err)
	}

	done2 := make(chan struct{})
	go func() {
		mgr.Accept(server2)
		close(done2)
	}()

	w2 := wire.NewWriter(client2)
	r2 := wire.NewReader(client2)
	_ = w2.WriteFrame(wire.Register("k1"))
	if _, err := r2.ReadFrame(); err != nil {
		t.Fatalf("second register reply failed: %v", err)
	}

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatalf("expected first session's Accept to return after eviction")
	}

	if !mgr.Has("b1") {
		t.Fatalf("expected second session to remain installed")
	}
}
