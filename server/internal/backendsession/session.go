// Package backendsession implements component B of the tunnel data plane:
// the server side of one Backend Agent's control connection. A Manager
// tracks the single live Session per backendId, demultiplexes inbound
// frames to whichever RequestSession owns a requestId, and tears down
// dependent request sessions when the backend disconnects.
package backendsession

import (
	"log"
	"net"
	"sync"

	"github.com/bifrost-project/bifrost/internal/wire"
)

// APIKeyResolver turns a presented API key into a backend identity, or
// reports a miss. The control session itself never persists backend
// identities.
type APIKeyResolver interface {
	ResolveAPIKey(apiKey string) (backendID string, ok bool)
}

// RequestRegistry is the boundary back into the tunnel-listener package,
// kept as an interface so this package never imports tunnelserver
// directly — a RequestSession's reference to its backend is a key
// lookup, never a direct holder, and that rule holds in the other
// direction too.
type RequestRegistry interface {
	// Dispatch routes a connect/data/end/error frame to the RequestSession
	// for frame.RequestID. Frames for an unknown or dead requestId are
	// silently dropped by the implementation.
	Dispatch(backendID string, frame wire.Frame)
	// TeardownBackend destroys every RequestSession owned by backendID.
	TeardownBackend(backendID string)
}

// Session is one Backend Agent's live control connection.
type Session struct {
	backendID string
	conn      net.Conn
	writer    *wire.Writer

	outbox    chan wire.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(backendID string, conn net.Conn) *Session {
	s := &Session{
		backendID: backendID,
		conn:      conn,
		writer:    wire.NewWriter(conn),
		outbox:    make(chan wire.Frame, 256),
		closed:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// writeLoop is the single writer for this control connection: every
// caller of Send hands a frame to the channel instead of writing directly,
// so one slow backend back-pressures only its own queue rather than
// blocking the listener goroutine that produced the frame.
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.outbox:
			if err := s.writer.WriteFrame(f); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Send enqueues a frame for delivery. It never blocks past the outbox
// capacity being exceeded while the session is still alive; after Close
// it is a no-op.
func (s *Session) Send(f wire.Frame) {
	select {
	case s.outbox <- f:
	case <-s.closed:
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) BackendID() string { return s.backendID }

// Manager owns the backendId -> Session index for every connected agent.
type Manager struct {
	resolver APIKeyResolver
	requests RequestRegistry

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(resolver APIKeyResolver, requests RequestRegistry) *Manager {
	return &Manager{
		resolver: resolver,
		requests: requests,
		sessions: make(map[string]*Session),
	}
}

// Accept drives one backend control connection end to end: reads the
// mandatory first register frame, authenticates, installs the session
// (evicting any prior session for the same backendId), and dispatches
// frames until the connection fails. It blocks until the connection ends.
func (m *Manager) Accept(conn net.Conn) {
	defer conn.Close()

	reader := wire.NewReader(conn)
	first, err := reader.ReadFrame()
	if err != nil {
		return
	}
	if first.Type != wire.TypeRegister {
		// Protocol violation: no frame but register may precede
		// authentication. Close without replying.
		return
	}

	backendID, ok := m.resolver.ResolveAPIKey(first.APIKey)
	if !ok {
		_ = wire.NewWriter(conn).WriteFrame(wire.Unauthorized())
		return
	}

	session := newSession(backendID, conn)
	m.install(backendID, session)
	session.Send(wire.Registered(backendID))

	log.Printf("backendsession: %s registered", backendID)

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			break
		}
		switch f.Type {
		case wire.TypeConnect, wire.TypeData, wire.TypeEnd, wire.TypeError:
			m.requests.Dispatch(backendID, f)
		default:
			log.Printf("backendsession: %s sent unexpected frame type %q after registration", backendID, f.Type)
		}
	}

	m.tearDown(backendID, session)
}

// install installs session as the live session for backendID, evicting
// and tearing down whatever session (and its request sessions) previously
// held that slot.
func (m *Manager) install(backendID string, session *Session) {
	m.mu.Lock()
	previous := m.sessions[backendID]
	m.sessions[backendID] = session
	m.mu.Unlock()

	if previous != nil {
		log.Printf("backendsession: %s superseded, closing previous connection", backendID)
		previous.Close()
		m.requests.TeardownBackend(backendID)
	}
}

// tearDown removes session from the index — but only if it is still the
// current session for backendID, so a teardown racing against a newer
// registration never evicts the replacement — closes it, and destroys
// every RequestSession that depended on it.
func (m *Manager) tearDown(backendID string, session *Session) {
	m.mu.Lock()
	current, ok := m.sessions[backendID]
	if ok && current == session {
		delete(m.sessions, backendID)
	}
	m.mu.Unlock()

	session.Close()
	if ok && current == session {
		m.requests.TeardownBackend(backendID)
	}
}

// Send delivers a frame to the live session for backendID. It reports
// false if no session is currently registered for that id.
func (m *Manager) Send(backendID string, f wire.Frame) bool {
	m.mu.RLock()
	session, ok := m.sessions[backendID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	session.Send(f)
	return true
}

func (m *Manager) Has(backendID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[backendID]
	return ok
}

func (m *Manager) ActiveBackends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
