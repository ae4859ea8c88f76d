// Package tunnelserver implements components C and D of the tunnel data
// plane: the per-mapping public TCP listener and the server-side request
// session it mints one of per accepted end-user connection.
package tunnelserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"

	"github.com/bifrost-project/bifrost/internal/wire"
	"github.com/bifrost-project/bifrost/server/internal/registry"
)

// Listener is one active tunnel mapping's public-facing TCP socket.
type Listener struct {
	mapping  registry.TunnelMapping
	ln       net.Listener
	sender   frameSender
	table    *RequestTable
	recorder LogRecorder
}

// NewListenerFactory adapts a *Listener into the registry.ListenerFactory
// the registry package needs to bind a mapping, keeping registry free of
// any dependency on this package. recorder may be nil, in which case
// completed sessions are never logged or rolled up into metrics.
func NewListenerFactory(sender frameSender, table *RequestTable, recorder LogRecorder) registry.ListenerFactory {
	return func(mapping registry.TunnelMapping) (registry.Listener, error) {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", mapping.ServerPort))
		if err != nil {
			return nil, err
		}
		l := &Listener{mapping: mapping, ln: ln, sender: sender, table: table, recorder: recorder}
		go l.acceptLoop()
		return l, nil
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	if !l.sender.Has(l.mapping.BackendID) {
		conn.Close()
		return
	}

	requestID, err := newRequestID()
	if err != nil {
		log.Printf("tunnelserver: requestId generation failed: %v", err)
		conn.Close()
		return
	}

	rs := newRequestSession(requestID, l.mapping.BackendID, l.mapping.TunnelID, conn, l.sender, l.table, l.recorder)
	l.table.register(rs)

	frame := wire.Request(requestID, l.mapping.TunnelID, l.mapping.LocalPort, l.mapping.TargetHost)
	l.sender.Send(l.mapping.BackendID, frame)
	rs.startRetrySend(frame)

	rs.pumpFromClient()
}

func newRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
