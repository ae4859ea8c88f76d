// Package controlloop owns the backend agent's single persistent control
// connection to the server: it carries the connection through
// register/registered handshakes and hands every request{} frame off to
// the dialer, over raw-TCP newline-JSON framing.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/bifrost-project/bifrost/agent/internal/dialer"
	"github.com/bifrost-project/bifrost/internal/wire"
)

const (
	reconnectInterval = 5 * time.Second
	outboxCapacity    = 256
)

// ErrUnauthorized is returned by Run when the server rejects the agent's
// api key; callers should treat this as fatal and not retry.
var ErrUnauthorized = errors.New("controlloop: server rejected api key")

type Config struct {
	ServerHost        string
	ServerPort        int
	APIKey            string
	ReconnectInterval time.Duration

	// OnStateChange, if set, is called on every connect, disconnect, and
	// registration-rejected transition so a caller can surface the
	// agent's live connection state (e.g. to a daemon status file).
	OnStateChange func(connected bool, backendID string, err error)
}

func (l *Loop) reportState(connected bool, backendID string, err error) {
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(connected, backendID, err)
	}
}

type Loop struct {
	cfg     Config
	dialers *dialer.Registry
}

func New(cfg Config) *Loop {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = reconnectInterval
	}
	return &Loop{cfg: cfg, dialers: dialer.NewRegistry()}
}

// Run dials the server and stays connected until ctx is canceled,
// reconnecting on every transport error except an unauthorized reply,
// which is fatal.
func (l *Loop) Run(ctx context.Context) error {
	go l.dialers.RunHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := l.runOnce(ctx)
		l.dialers.TeardownAll()
		l.reportState(false, "", err)

		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("controlloop: session ended: %v; reconnecting in %s", err, l.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ReconnectInterval):
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) error {
	address := net.JoinHostPort(l.cfg.ServerHost, strconv.Itoa(l.cfg.ServerPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	reader := wire.NewReader(conn)
	writer := wire.NewWriter(conn)

	if err := writer.WriteFrame(wire.Register(l.cfg.APIKey)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	reply, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	switch reply.Type {
	case wire.TypeUnauthorized:
		return ErrUnauthorized
	case wire.TypeRegistered:
		log.Printf("controlloop: registered as backend %s", reply.BackendID)
		l.reportState(true, reply.BackendID, nil)
	default:
		return fmt.Errorf("unexpected reply to register: %s", reply.Type)
	}

	session := newSession(conn, writer)
	go session.writeLoop()
	defer session.close()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case wire.TypeRequest:
			l.dialers.Start(session, frame.RequestID, frame.TunnelID, frame.LocalPort, frame.TargetIP)
		case wire.TypeData, wire.TypeEnd, wire.TypeError:
			l.dialers.Dispatch(frame)
		default:
			log.Printf("controlloop: ignoring unexpected frame type %q", frame.Type)
		}
	}
}

// session is the per-connection outbound frame queue, mirroring the
// server's backendsession.Session so a slow target on one request can
// never block frames for unrelated requests from being written out.
type session struct {
	conn   net.Conn
	writer *wire.Writer
	outbox chan wire.Frame
	closed chan struct{}
}

func newSession(conn net.Conn, writer *wire.Writer) *session {
	return &session{
		conn:   conn,
		writer: writer,
		outbox: make(chan wire.Frame, outboxCapacity),
		closed: make(chan struct{}),
	}
}

func (s *session) Send(f wire.Frame) bool {
	select {
	case s.outbox <- f:
		return true
	case <-s.closed:
		return false
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case f := <-s.outbox:
			if err := s.writer.WriteFrame(f); err != nil {
				log.Printf("controlloop: write failed: %v", err)
				s.conn.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
