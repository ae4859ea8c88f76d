// Package storage is the admin plane's persistence layer: the tunnel data
// plane itself keeps no state across restarts, but tunnel mappings and
// backend identities need to survive one, so this package keeps them in
// a single sqlite file with hand-written upsert statements.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrTokenMissing = errors.New("storage: admin token not configured")

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS backends (
	backend_id TEXT PRIMARY KEY,
	api_key_hash TEXT NOT NULL UNIQUE,
	name TEXT,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tunnels (
	backend_id TEXT NOT NULL,
	tunnel_id TEXT NOT NULL,
	server_port INTEGER NOT NULL,
	local_port INTEGER NOT NULL,
	target_host TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	PRIMARY KEY (backend_id, tunnel_id)
);
CREATE TABLE IF NOT EXISTS admin_tokens (
	token_hash TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	revoked_at TEXT
);
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	backend_id TEXT NOT NULL,
	tunnel_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	ts TEXT NOT NULL,
	summary TEXT NOT NULL,
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS metrics_rollup (
	backend_id TEXT NOT NULL,
	minute_bucket INTEGER NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, minute_bucket)
);
`

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- backend identities -----------------------------------------------

type Backend struct {
	BackendID string
	Name      string
	CreatedAt time.Time
}

// UpsertBackend stores backendID with a hash of apiKey; the raw key is
// never persisted.
func (s *Store) UpsertBackend(backendID, name, apiKey string) error {
	if backendID == "" || apiKey == "" {
		return fmt.Errorf("storage: backendId and apiKey required")
	}
	_, err := s.db.Exec(`INSERT INTO backends (backend_id, api_key_hash, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(backend_id) DO UPDATE SET api_key_hash = excluded.api_key_hash, name = excluded.name`,
		backendID, hashToken(apiKey), name, nowUTC())
	return err
}

// ResolveAPIKey implements the backendsession.APIKeyResolver interface.
func (s *Store) ResolveAPIKey(apiKey string) (string, bool) {
	if strings.TrimSpace(apiKey) == "" {
		return "", false
	}
	var backendID string
	err := s.db.QueryRow(`SELECT backend_id FROM backends WHERE api_key_hash = ?`, hashToken(apiKey)).Scan(&backendID)
	if err != nil {
		return "", false
	}
	return backendID, true
}

func (s *Store) ListBackends() ([]Backend, error) {
	rows, err := s.db.Query(`SELECT backend_id, name, created_at FROM backends ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Backend
	for rows.Next() {
		var b Backend
		var createdAt string
		if err := rows.Scan(&b.BackendID, &b.Name, &createdAt); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			b.CreatedAt = parsed
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) RemoveBackend(backendID string) error {
	_, err := s.db.Exec(`DELETE FROM backends WHERE backend_id = ?`, backendID)
	return err
}

// --- tunnel mappings -----------------------------------------------

type PersistedTunnel struct {
	BackendID  string
	TunnelID   string
	ServerPort int
	LocalPort  int
	TargetHost string
	Status     string
	CreatedAt  time.Time
}

func (s *Store) UpsertTunnel(t PersistedTunnel) error {
	if t.BackendID == "" || t.TunnelID == "" {
		return fmt.Errorf("storage: backendId and tunnelId required")
	}
	if t.Status == "" {
		t.Status = "active"
	}
	_, err := s.db.Exec(`INSERT INTO tunnels (backend_id, tunnel_id, server_port, local_port, target_host, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, tunnel_id) DO UPDATE SET
			server_port = excluded.server_port,
			local_port = excluded.local_port,
			target_host = excluded.target_host,
			status = excluded.status`,
		t.BackendID, t.TunnelID, t.ServerPort, t.LocalPort, t.TargetHost, t.Status, nowUTC())
	return err
}

func (s *Store) MarkTunnelStatus(backendID, tunnelID, status string) error {
	_, err := s.db.Exec(`UPDATE tunnels SET status = ? WHERE backend_id = ? AND tunnel_id = ?`, status, backendID, tunnelID)
	return err
}

func (s *Store) ListTunnels() ([]PersistedTunnel, error) {
	rows, err := s.db.Query(`SELECT backend_id, tunnel_id, server_port, local_port, target_host, status, created_at
		FROM tunnels ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersistedTunnel
	for rows.Next() {
		var t PersistedTunnel
		var createdAt string
		if err := rows.Scan(&t.BackendID, &t.TunnelID, &t.ServerPort, &t.LocalPort, &t.TargetHost, &t.Status, &createdAt); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			t.CreatedAt = parsed
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- admin tokens -----------------------------------------------

func (s *Store) EnsureAdminToken(raw string) error {
	active, err := s.HasActiveAdminToken()
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	if strings.TrimSpace(raw) == "" {
		return ErrTokenMissing
	}
	_, err = s.db.Exec(`INSERT INTO admin_tokens (token_hash, created_at) VALUES (?, ?)`, hashToken(raw), nowUTC())
	return err
}

func (s *Store) HasActiveAdminToken() (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM admin_tokens WHERE revoked_at IS NULL`).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ValidateAdminToken(raw string) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM admin_tokens WHERE token_hash = ? AND revoked_at IS NULL`, hashToken(trimmed)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) RotateAdminToken(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("storage: token required")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE admin_tokens SET revoked_at = ? WHERE revoked_at IS NULL`, nowUTC()); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO admin_tokens (token_hash, created_at) VALUES (?, ?)`, hashToken(trimmed), nowUTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// --- logs & metrics (feed the admin live console) -----------------------------------------------

type LogEntry struct {
	BackendID string
	TunnelID  string
	RequestID string
	Timestamp time.Time
	Summary   string
	BytesIn   int64
	BytesOut  int64
}

func (s *Store) InsertLog(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO logs (backend_id, tunnel_id, request_id, ts, summary, bytes_in, bytes_out)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.BackendID, entry.TunnelID, entry.RequestID, entry.Timestamp.Format(time.RFC3339), entry.Summary, entry.BytesIn, entry.BytesOut)
	return err
}

func (s *Store) ListLogs(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT backend_id, tunnel_id, request_id, ts, summary, bytes_in, bytes_out
		FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.BackendID, &e.TunnelID, &e.RequestID, &ts, &e.Summary, &e.BytesIn, &e.BytesOut); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type MetricRollup struct {
	BackendID    string
	MinuteBucket int64
	RequestCount int64
	BytesIn      int64
	BytesOut     int64
}

func (s *Store) AddMetric(backendID string, ts time.Time, requests, bytesIn, bytesOut int64) error {
	if backendID == "" {
		return nil
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	bucket := ts.Unix() / 60
	_, err := s.db.Exec(`INSERT INTO metrics_rollup (backend_id, minute_bucket, request_count, bytes_in, bytes_out)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, minute_bucket) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			bytes_in = bytes_in + excluded.bytes_in,
			bytes_out = bytes_out + excluded.bytes_out`,
		backendID, bucket, requests, bytesIn, bytesOut)
	return err
}

func (s *Store) ListMetrics(limit int) ([]MetricRollup, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT backend_id, minute_bucket, request_count, bytes_in, bytes_out
		FROM metrics_rollup ORDER BY minute_bucket DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricRollup
	for rows.Next() {
		var m MetricRollup
		if err := rows.Scan(&m.BackendID, &m.MinuteBucket, &m.RequestCount, &m.BytesIn, &m.BytesOut); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
