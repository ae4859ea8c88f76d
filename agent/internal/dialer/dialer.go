// Package dialer is component G of the backend agent: for every request{}
// frame received on the control connection it dials the target named in
// the frame and pumps bytes between that local connection and the control
// connection's frame stream.
package dialer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bifrost-project/bifrost/internal/wire"
)

const (
	dialTimeout     = 15 * time.Second
	dialMaxAttempts = 3
	dialRetryWait   = 5 * time.Second

	pendingQueueCap = 1000
	pendingMaxAge   = 60 * time.Second

	heartbeatInterval = 30 * time.Second
)

// Sender is the single method the dialer needs from the control
// connection: enqueue a frame for the write loop. It mirrors the
// server-side frameSender interface so both sides of the protocol share
// the same queued-send idiom.
type Sender interface {
	Send(f wire.Frame) bool
}

type pendingChunk struct {
	payload []byte
	queued  time.Time
}

// Conn is the agent-side state for one in-flight request: everything
// needed to dial the target, buffer bytes that arrive before the dial
// finishes, and then pump the two directions once it's up.
type Conn struct {
	requestID string
	tunnelID  string
	targetIP  string
	localPort int
	sender    Sender
	registry  *Registry

	mu           sync.Mutex
	target       net.Conn
	pending      []pendingChunk
	closed       bool
	lastActivity time.Time
}

// Registry tracks every in-flight request for one control connection, the
// agent-side counterpart of the server's RequestTable.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Start dials the target named in a request{} frame and begins relaying.
// It returns immediately; dialing and pumping happen on background
// goroutines so the control-connection read loop is never blocked by a
// slow or unreachable target.
func (reg *Registry) Start(sender Sender, requestID, tunnelID string, localPort int, targetIP string) {
	c := &Conn{
		requestID:    requestID,
		tunnelID:     tunnelID,
		targetIP:     targetIP,
		localPort:    localPort,
		sender:       sender,
		registry:     reg,
		lastActivity: time.Now(),
	}
	reg.mu.Lock()
	reg.conns[requestID] = c
	reg.mu.Unlock()

	go c.dialAndPump()
}

// Dispatch routes a data{}/end{}/error{} frame to its Conn. Frames for a
// requestId the dialer no longer tracks are dropped; the server has
// likely already torn down its side.
func (reg *Registry) Dispatch(f wire.Frame) {
	reg.mu.Lock()
	c, ok := reg.conns[f.RequestID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	switch f.Type {
	case wire.TypeData:
		c.onData(f.Data)
	case wire.TypeEnd:
		c.onEnd()
	case wire.TypeError:
		c.onError(f.Error)
	}
}

// TeardownAll closes every in-flight connection, used when the control
// connection itself drops and reconnects.
func (reg *Registry) TeardownAll() {
	reg.mu.Lock()
	conns := make([]*Conn, 0, len(reg.conns))
	for _, c := range reg.conns {
		conns = append(conns, c)
	}
	reg.conns = make(map[string]*Conn)
	reg.mu.Unlock()

	for _, c := range conns {
		c.destroy()
	}
}

func (reg *Registry) remove(requestID string) {
	reg.mu.Lock()
	delete(reg.conns, requestID)
	reg.mu.Unlock()
}

// RunHeartbeat mirrors the server's RequestTable.RunIdleSweep on the agent
// side: every heartbeatInterval it drops aged packets still sitting in a
// Conn's pending queue and destroys any Conn that never finished dialing
// within pendingMaxAge, until ctx is canceled.
func (reg *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.sweepOnce()
		}
	}
}

func (reg *Registry) sweepOnce() {
	reg.mu.Lock()
	conns := make([]*Conn, 0, len(reg.conns))
	for _, c := range reg.conns {
		conns = append(conns, c)
	}
	reg.mu.Unlock()

	var victims []*Conn
	for _, c := range conns {
		c.prunePending()
		if c.isPending() && c.idleFor() > pendingMaxAge {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		c.destroy()
	}
}

func (c *Conn) dialAndPump() {
	address := net.JoinHostPort(c.targetIP, strconv.Itoa(c.localPort))

	var conn net.Conn
	var err error
	for attempt := 1; attempt <= dialMaxAttempts; attempt++ {
		conn, err = net.DialTimeout("tcp", address, dialTimeout)
		if err == nil {
			break
		}
		log.Printf("dialer: attempt %d/%d dial %s failed: %v", attempt, dialMaxAttempts, address, err)
		if attempt < dialMaxAttempts {
			time.Sleep(dialRetryWait)
		}
	}
	if err != nil {
		c.sender.Send(wire.Err(c.requestID, fmt.Sprintf("dial %s failed: %v", address, err)))
		c.registry.remove(c.requestID)
		return
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(time.Second)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.registry.remove(c.requestID)
		return
	}
	c.target = conn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	now := time.Now()
	for _, chunk := range queued {
		if now.Sub(chunk.queued) > pendingMaxAge {
			continue
		}
		if _, err := conn.Write(chunk.payload); err != nil {
			c.destroy()
			return
		}
	}

	c.sender.Send(wire.Connect(c.requestID))
	c.pumpFromTarget()
}

// onData buffers bytes that arrive before the dial finishes, and writes
// directly to the target once it's connected.
func (c *Conn) onData(b64Payload string) {
	payload, err := base64.StdEncoding.DecodeString(b64Payload)
	if err != nil {
		log.Printf("dialer: bad base64 payload for %s: %v", c.requestID, err)
		return
	}

	c.mu.Lock()
	target := c.target
	if target == nil {
		if len(c.pending) >= pendingQueueCap {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, pendingChunk{payload: payload, queued: time.Now()})
		c.lastActivity = time.Now()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if _, err := target.Write(payload); err != nil {
		c.destroy()
	}
}

func (c *Conn) onEnd() {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()
	if target == nil {
		return
	}
	if tcpConn, ok := target.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
		return
	}
	target.Close()
}

func (c *Conn) onError(message string) {
	log.Printf("dialer: server reported error for %s: %s", c.requestID, message)
	c.destroy()
}

func (c *Conn) pumpFromTarget() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.target.Read(buf)
		if n > 0 {
			c.sender.Send(wire.Data(c.requestID, base64.StdEncoding.EncodeToString(buf[:n])))
		}
		if err != nil {
			if err == io.EOF {
				c.sender.Send(wire.End(c.requestID))
			}
			c.destroy()
			return
		}
	}
}

func (c *Conn) destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	target := c.target
	c.mu.Unlock()

	if target != nil {
		target.Close()
	}
	c.registry.remove(c.requestID)
}

// isPending reports whether the dial has not yet succeeded.
func (c *Conn) isPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target == nil
}

func (c *Conn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// prunePending drops any queued chunk older than pendingMaxAge, the same
// cutoff dialAndPump applies once at drain time, applied here on every
// heartbeat tick so a Conn stuck mid-dial doesn't keep stale bytes around.
func (c *Conn) prunePending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return
	}
	now := time.Now()
	kept := c.pending[:0]
	for _, chunk := range c.pending {
		if now.Sub(chunk.queued) <= pendingMaxAge {
			kept = append(kept, chunk)
		}
	}
	c.pending = kept
}
