package tunnelserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bifrost-project/bifrost/internal/wire"
	"github.com/bifrost-project/bifrost/server/internal/storage"
)

type metricCall struct {
	backendID string
	requests  int64
	bytesIn   int64
	bytesOut  int64
}

type fakeRecorder struct {
	mu      sync.Mutex
	logs    []storage.LogEntry
	metrics []metricCall
}

func (f *fakeRecorder) InsertLog(entry storage.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeRecorder) AddMetric(backendID string, ts time.Time, requests, bytesIn, bytesOut int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, metricCall{backendID, requests, bytesIn, bytesOut})
	return nil
}

// TestGracefulEndFromBothSidesDestroysSession exercises the ordinary
// happy path: the client hits EOF first, then the backend's end{} frame
// arrives. Neither side alone should tear the session down; only once
// both have signaled end should it be destroyed and removed.
func TestGracefulEndFromBothSidesDestroysSession(t *testing.T) {
	table := NewRequestTable()
	client, server := net.Pipe()
	sender := &recordingSender{has: true}
	recorder := &fakeRecorder{}

	rs := newRequestSession("r1", "b1", "t1", server, sender, table, recorder)
	table.register(rs)

	done := make(chan struct{})
	go func() {
		rs.pumpFromClient()
		close(done)
	}()

	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	client.Close()
	<-done

	if rs.State() != Closing {
		t.Fatalf("expected Closing after client-only EOF, got %v", rs.State())
	}
	if _, ok := table.get("r1"); !ok {
		t.Fatalf("session should still be registered after only one side ended")
	}

	table.Dispatch("b1", wire.End("r1"))

	if rs.State() != Dead {
		t.Fatalf("expected Dead once both sides signaled end, got %v", rs.State())
	}
	if _, ok := table.get("r1"); ok {
		t.Fatalf("expected session removed from table after both-sided end")
	}

	if len(recorder.logs) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(recorder.logs))
	}
	if recorder.logs[0].BytesIn != 2 {
		t.Fatalf("expected bytesIn=2, got %d", recorder.logs[0].BytesIn)
	}
	if len(recorder.metrics) != 1 || recorder.metrics[0].backendID != "b1" {
		t.Fatalf("expected one metric update for b1, got %+v", recorder.metrics)
	}
}

// TestDestroyIsIdempotent guards against double-accounting when both
// sides race to tear the session down at roughly the same time.
func TestDestroyIsIdempotent(t *testing.T) {
	table := NewRequestTable()
	client, server := net.Pipe()
	defer client.Close()
	sender := &recordingSender{has: true}
	recorder := &fakeRecorder{}

	rs := newRequestSession("r1", "b1", "t1", server, sender, table, recorder)
	table.register(rs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); rs.destroy() }()
	go func() { defer wg.Done(); rs.destroy() }()
	wg.Wait()

	if len(recorder.logs) != 1 {
		t.Fatalf("expected destroy to record exactly once, got %d log entries", len(recorder.logs))
	}
}
