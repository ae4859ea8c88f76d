// Command bifrost-server runs the public half of the tunnel: the backend
// control port, every active tunnel's public TCP listener, and the admin
// REST + live console HTTP surface. Registry, store, and HTTP mux are all
// built here in main and handed into small per-concern packages.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bifrost-project/bifrost/server/internal/admin"
	"github.com/bifrost-project/bifrost/server/internal/adminconsole"
	"github.com/bifrost-project/bifrost/server/internal/backendsession"
	"github.com/bifrost-project/bifrost/server/internal/registry"
	"github.com/bifrost-project/bifrost/server/internal/storage"
	"github.com/bifrost-project/bifrost/server/internal/tunnelserver"
)

func main() {
	httpAddr := getenv("HTTP_ADDR", ":8080")
	backendPort := getenvInt("BACKEND_PORT", 9041)
	dbPath := getenv("DB_PATH", "data/bifrost.db")
	seedAdminToken := getenv("ADMIN_TOKEN", "")

	store, err := storage.Open(dbPath)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	defer store.Close()
	if err := store.EnsureAdminToken(seedAdminToken); err != nil && err != storage.ErrTokenMissing {
		log.Fatalf("admin token init failed: %v", err)
	}

	requests := tunnelserver.NewRequestTable()
	sessions := backendsession.NewManager(store, requests)
	factory := tunnelserver.NewListenerFactory(sessions, requests, store)
	reg := registry.New(factory)

	if err := restorePersistedTunnels(store, reg); err != nil {
		log.Printf("tunnel restore incomplete: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go requests.RunIdleSweep(ctx)

	go runControlPort(backendPort, sessions)

	adminAPI := &admin.API{Store: store, Reg: reg, Requests: requests}
	console := &adminconsole.Console{Store: store, Reg: reg, Tokens: store, Requests: requests}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/api/", adminAPI.Handler())
	mux.HandleFunc("/console", console.Handler())

	log.Printf("bifrost-server: admin http on %s, backend control port %d", httpAddr, backendPort)
	srv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin http failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("bifrost-server: shutting down")
	_ = srv.Shutdown(context.Background())
}

// runControlPort is the raw TCP accept loop backend agents dial into;
// every accepted connection is handed to backendsession.Manager.Accept,
// which blocks for the connection's whole lifetime.
func runControlPort(port int, sessions *backendsession.Manager) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("control port listen failed: %v", err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("control port accept failed: %v", err)
			return
		}
		go sessions.Accept(conn)
	}
}

// restorePersistedTunnels reinstates every tunnel the admin database
// still marks active after a restart, since the registry itself always
// starts out empty.
func restorePersistedTunnels(store *storage.Store, reg *registry.Registry) error {
	tunnels, err := store.ListTunnels()
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range tunnels {
		if t.Status != "active" {
			continue
		}
		err := reg.CreateTunnel(registry.TunnelMapping{
			BackendID:  t.BackendID,
			TunnelID:   t.TunnelID,
			ServerPort: t.ServerPort,
			LocalPort:  t.LocalPort,
			TargetHost: t.TargetHost,
		})
		if err != nil {
			log.Printf("failed to restore tunnel %s/%s: %v", t.BackendID, t.TunnelID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func getenv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
