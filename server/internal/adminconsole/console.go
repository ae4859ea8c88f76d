// Package adminconsole is the live status/log/metrics console for
// operators: a websocket transport carrying a yamux session, independent
// of the tunnel data plane. This package never sees a wire.Frame or a
// requestId, it only reads back through storage.Store and
// registry.Registry.
package adminconsole

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/bifrost-project/bifrost/server/internal/registry"
	"github.com/bifrost-project/bifrost/server/internal/storage"
)

// TokenValidator is the single method the console needs from
// storage.Store; kept as an interface so tests don't need a real sqlite
// file just to exercise stream multiplexing.
type TokenValidator interface {
	ValidateAdminToken(token string) (bool, error)
}

// RequestCounter reports how many end-user request sessions are
// currently live, for the "status" channel. Satisfied by
// *tunnelserver.RequestTable.
type RequestCounter interface {
	Count() int
}

type Console struct {
	Store    *storage.Store
	Reg      *registry.Registry
	Tokens   TokenValidator
	Requests RequestCounter
	MinTick  time.Duration
}

func (c *Console) requestCount() int {
	if c.Requests == nil {
		return 0
	}
	return c.Requests.Count()
}

type subscribeMessage struct {
	Channel    string `json:"channel"`
	IntervalMs int    `json:"intervalMs"`
}

func (c *Console) minTick() time.Duration {
	if c.MinTick > 0 {
		return c.MinTick
	}
	return 500 * time.Millisecond
}

func (c *Console) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		ok, err := c.Tokens.ValidateAdminToken(token)
		if err != nil || !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			log.Printf("adminconsole: accept failed: %v", err)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		wsConn := websocket.NetConn(ctx, conn, websocket.MessageBinary)
		session, err := yamux.Server(wsConn, nil)
		if err != nil {
			log.Printf("adminconsole: yamux server failed: %v", err)
			_ = conn.Close(websocket.StatusInternalError, "yamux init failed")
			return
		}
		defer session.Close()

		c.serve(ctx, session)
	}
}

// serve accepts one yamux stream per subscribed channel, looping until
// the underlying session dies.
func (c *Console) serve(ctx context.Context, session *yamux.Session) {
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go c.handleStream(ctx, stream)
	}
}

func (c *Console) handleStream(ctx context.Context, stream *yamux.Stream) {
	defer stream.Close()

	reader := bufio.NewReader(stream)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	var sub subscribeMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &sub); err != nil {
		writeLine(stream, map[string]string{"error": "invalid subscribe message"})
		return
	}

	interval := time.Duration(sub.IntervalMs) * time.Millisecond
	if interval < c.minTick() {
		interval = c.minTick()
	}

	snapshot, err := c.snapshotFunc(sub.Channel)
	if err != nil {
		writeLine(stream, map[string]string{"error": err.Error()})
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	streamClosed := watchClosed(stream)

	for {
		payload, err := snapshot()
		if err != nil {
			return
		}
		if err := writeLine(stream, payload); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-streamClosed:
			return
		case <-ticker.C:
		}
	}
}

// watchClosed detects the peer closing its side by parking a one-byte
// read loop that discards what it reads; yamux streams return an error from Read once the remote side has
// gone away or the session has torn down.
func watchClosed(stream *yamux.Stream) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			if _, err := stream.Read(buf); err != nil {
				return
			}
		}
	}()
	return done
}

func (c *Console) snapshotFunc(channel string) (func() (any, error), error) {
	switch channel {
	case "status":
		return func() (any, error) {
			return c.Reg.StatusSnapshot(c.requestCount()), nil
		}, nil
	case "logs":
		return func() (any, error) {
			return c.Store.ListLogs(100)
		}, nil
	case "metrics":
		return func() (any, error) {
			return c.Store.ListMetrics(100)
		}, nil
	default:
		return nil, fmt.Errorf("adminconsole: unknown channel %q", channel)
	}
}

func writeLine(stream *yamux.Stream, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = stream.Write(b)
	return err
}
