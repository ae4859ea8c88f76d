// Package admin implements CRUD over backend identities and tunnel
// mappings for operators, consuming the tunnel core only through
// registry.Registry and storage.Store.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/bifrost-project/bifrost/server/internal/registry"
	"github.com/bifrost-project/bifrost/server/internal/storage"
)

// RequestCounter reports how many end-user request sessions are
// currently live, for the /api/tunnels status response. Satisfied by
// *tunnelserver.RequestTable.
type RequestCounter interface {
	Count() int
}

type API struct {
	Store    *storage.Store
	Reg      *registry.Registry
	Requests RequestCounter
}

func (a *API) requestCount() int {
	if a.Requests == nil {
		return 0
	}
	return a.Requests.Count()
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/backends", a.withAuth(a.handleBackends))
	mux.HandleFunc("/api/backends/", a.withAuth(a.handleBackendAction))
	mux.HandleFunc("/api/tunnels", a.withAuth(a.handleTunnels))
	mux.HandleFunc("/api/tunnels/", a.withAuth(a.handleTunnelAction))
	mux.HandleFunc("/api/logs", a.withAuth(a.handleLogs))
	mux.HandleFunc("/api/metrics", a.withAuth(a.handleMetrics))
	mux.HandleFunc("/api/token/rotate", a.withAuth(a.handleRotateToken))
	return mux
}

func (a *API) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Store == nil {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		}
		ok, err := a.Store.ValidateAdminToken(token)
		if err != nil {
			http.Error(w, "auth failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// --- backends -----------------------------------------------

type backendRequest struct {
	Name string `json:"name"`
}

type backendResponse struct {
	BackendID string `json:"backendId"`
	Name      string `json:"name"`
	APIKey    string `json:"apiKey,omitempty"`
}

func (a *API) handleBackends(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		backends, err := a.Store.ListBackends()
		if err != nil {
			http.Error(w, "failed to list backends", http.StatusInternalServerError)
			return
		}
		out := make([]backendResponse, 0, len(backends))
		for _, b := range backends {
			out = append(out, backendResponse{BackendID: b.BackendID, Name: b.Name})
		}
		writeJSON(w, out)
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var req backendRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		backendID := uuid.NewString()
		apiKey, err := storage.GenerateToken()
		if err != nil {
			http.Error(w, "key generation failed", http.StatusInternalServerError)
			return
		}
		if err := a.Store.UpsertBackend(backendID, req.Name, apiKey); err != nil {
			http.Error(w, "failed to create backend", http.StatusInternalServerError)
			return
		}
		writeJSON(w, backendResponse{BackendID: backendID, Name: req.Name, APIKey: apiKey})
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleBackendAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.NotFound(w, r)
		return
	}
	backendID := strings.TrimPrefix(r.URL.Path, "/api/backends/")
	if backendID == "" {
		http.Error(w, "backendId required", http.StatusBadRequest)
		return
	}
	if err := a.Store.RemoveBackend(backendID); err != nil {
		http.Error(w, "failed to remove backend", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "removed"})
}

// --- tunnels -----------------------------------------------

type tunnelRequest struct {
	BackendID  string `json:"backendId"`
	TunnelID   string `json:"tunnelId"`
	ServerPort int    `json:"serverPort"`
	LocalPort  int    `json:"localPort"`
	TargetHost string `json:"targetHost"`
}

func (a *API) handleTunnels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := a.Reg.StatusSnapshot(a.requestCount())
		writeJSON(w, status)
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var req tunnelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.BackendID == "" {
			http.Error(w, "backendId required", http.StatusBadRequest)
			return
		}
		if req.TunnelID == "" {
			req.TunnelID = uuid.NewString()
		}
		if req.ServerPort == 0 {
			port, err := a.Reg.FindAvailablePort(10000, 65535)
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			req.ServerPort = port
		}

		mapping := registry.TunnelMapping{
			BackendID:  req.BackendID,
			TunnelID:   req.TunnelID,
			ServerPort: req.ServerPort,
			LocalPort:  req.LocalPort,
			TargetHost: req.TargetHost,
		}
		if err := a.Reg.CreateTunnel(mapping); err != nil {
			status := http.StatusInternalServerError
			if err == registry.ErrPortInUse {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		if err := a.Store.UpsertTunnel(storage.PersistedTunnel{
			BackendID:  mapping.BackendID,
			TunnelID:   mapping.TunnelID,
			ServerPort: mapping.ServerPort,
			LocalPort:  mapping.LocalPort,
			TargetHost: mapping.TargetHost,
		}); err != nil {
			http.Error(w, "tunnel created but persistence failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapping)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleTunnelAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/tunnels/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /api/tunnels/{backendId}/{tunnelId}", http.StatusBadRequest)
		return
	}
	backendID, tunnelID := parts[0], parts[1]
	if err := a.Reg.StopTunnel(backendID, tunnelID); err != nil && err != registry.ErrNotFound {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.Store.MarkTunnelStatus(backendID, tunnelID, "terminated"); err != nil {
		http.Error(w, "failed to update tunnel record", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "terminated"})
}

// --- logs & metrics -----------------------------------------------

type logResponse struct {
	storage.LogEntry
	BytesInHuman  string `json:"bytesInHuman"`
	BytesOutHuman string `json:"bytesOutHuman"`
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.Store.ListLogs(parseLimit(r, 200))
	if err != nil {
		http.Error(w, "failed to list logs", http.StatusInternalServerError)
		return
	}
	out := make([]logResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, logResponse{
			LogEntry:      l,
			BytesInHuman:  humanize.Bytes(uint64(l.BytesIn)),
			BytesOutHuman: humanize.Bytes(uint64(l.BytesOut)),
		})
	}
	writeJSON(w, out)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := a.Store.ListMetrics(parseLimit(r, 200))
	if err != nil {
		http.Error(w, "failed to list metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, metrics)
}

func (a *API) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	newToken, err := storage.GenerateToken()
	if err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	if err := a.Store.RotateAdminToken(newToken); err != nil {
		http.Error(w, "token rotation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": newToken})
}

func parseLimit(r *http.Request, fallback int) int {
	limit := fallback
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
