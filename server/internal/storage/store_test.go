package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAdminTokenLifecycle(t *testing.T) {
	store := openTestStore(t)

	active, err := store.HasActiveAdminToken()
	if err != nil {
		t.Fatalf("has active failed: %v", err)
	}
	if active {
		t.Fatalf("expected no active tokens initially")
	}

	if err := store.EnsureAdminToken("seed-token"); err != nil {
		t.Fatalf("ensure token failed: %v", err)
	}
	ok, err := store.ValidateAdminToken("seed-token")
	if err != nil || !ok {
		t.Fatalf("expected seed token valid, ok=%v err=%v", ok, err)
	}

	if err := store.RotateAdminToken("new-token"); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if ok, _ := store.ValidateAdminToken("seed-token"); ok {
		t.Fatalf("expected old token revoked")
	}
	if ok, _ := store.ValidateAdminToken("new-token"); !ok {
		t.Fatalf("expected new token valid")
	}
}

func TestEnsureAdminTokenRequiresSeedWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnsureAdminToken(""); err != ErrTokenMissing {
		t.Fatalf("expected ErrTokenMissing, got %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	store := openTestStore(t)
	if err := store.UpsertBackend("b1", "home-lab", "secret-key"); err != nil {
		t.Fatalf("upsert backend failed: %v", err)
	}

	id, ok := store.ResolveAPIKey("secret-key")
	if !ok || id != "b1" {
		t.Fatalf("expected resolve to b1, got id=%q ok=%v", id, ok)
	}

	if _, ok := store.ResolveAPIKey("wrong"); ok {
		t.Fatalf("expected miss for wrong key")
	}
}

func TestTunnelPersistenceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	tunnel := PersistedTunnel{BackendID: "b1", TunnelID: "t1", ServerPort: 10080, LocalPort: 8080, TargetHost: "127.0.0.1"}
	if err := store.UpsertTunnel(tunnel); err != nil {
		t.Fatalf("upsert tunnel failed: %v", err)
	}

	tunnels, err := store.ListTunnels()
	if err != nil {
		t.Fatalf("list tunnels failed: %v", err)
	}
	if len(tunnels) != 1 || tunnels[0].ServerPort != 10080 {
		t.Fatalf("unexpected tunnels: %+v", tunnels)
	}

	if err := store.MarkTunnelStatus("b1", "t1", "terminated"); err != nil {
		t.Fatalf("mark status failed: %v", err)
	}
	tunnels, _ = store.ListTunnels()
	if tunnels[0].Status != "terminated" {
		t.Fatalf("expected status updated, got %q", tunnels[0].Status)
	}
}

func TestMetricsAccumulate(t *testing.T) {
	store := openTestStore(t)
	ts, err := time.Parse(time.RFC3339, "2026-01-01T00:00:05Z")
	if err != nil {
		t.Fatalf("parse time failed: %v", err)
	}
	if err := store.AddMetric("b1", ts, 1, 100, 200); err != nil {
		t.Fatalf("add metric failed: %v", err)
	}
	if err := store.AddMetric("b1", ts, 1, 50, 50); err != nil {
		t.Fatalf("add metric failed: %v", err)
	}

	metrics, err := store.ListMetrics(10)
	if err != nil {
		t.Fatalf("list metrics failed: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected metrics to roll up into one bucket, got %d", len(metrics))
	}
	if metrics[0].RequestCount != 2 || metrics[0].BytesIn != 150 || metrics[0].BytesOut != 250 {
		t.Fatalf("unexpected rollup: %+v", metrics[0])
	}
}
