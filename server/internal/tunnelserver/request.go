package tunnelserver

import (
	"encoding/base64"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bifrost-project/bifrost/internal/wire"
	"github.com/bifrost-project/bifrost/server/internal/storage"
)

// LogRecorder persists a completed request session's summary for the
// admin REST endpoints and live console's logs/metrics channels.
// Satisfied by *storage.Store.
type LogRecorder interface {
	InsertLog(entry storage.LogEntry) error
	AddMetric(backendID string, ts time.Time, requests, bytesIn, bytesOut int64) error
}

// State is a RequestSession's position in its connection lifecycle.
type State int

const (
	Pending State = iota
	Connected
	Closing
	Dead
)

// frameSender is the outbound half of backendsession.Manager that this
// package needs: send a frame to the backend that owns a request, and
// check whether a backend currently has a live control connection.
type frameSender interface {
	Send(backendID string, f wire.Frame) bool
	Has(backendID string) bool
}

const (
	requestRetryInterval = 2 * time.Second
	requestMaxRetries    = 3
	idleSweepInterval     = 30 * time.Second
	pendingIdleThreshold  = 15 * time.Second
)

// RequestSession is the server-side half of one end-user TCP stream,
// component D of the tunnel data plane.
type RequestSession struct {
	RequestID string
	BackendID string
	TunnelID  string

	conn     net.Conn
	sender   frameSender
	table    *RequestTable
	recorder LogRecorder

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	localEnded   bool
	remoteEnded  bool
	destroyed    bool

	bytesIn  int64
	bytesOut int64

	retryMu    sync.Mutex
	retryTimer *time.Timer
	retryCount int
}

func newRequestSession(requestID, backendID, tunnelID string, conn net.Conn, sender frameSender, table *RequestTable, recorder LogRecorder) *RequestSession {
	return &RequestSession{
		RequestID:    requestID,
		BackendID:    backendID,
		TunnelID:     tunnelID,
		conn:         conn,
		sender:       sender,
		table:        table,
		recorder:     recorder,
		state:        Pending,
		lastActivity: time.Now(),
	}
}

func (rs *RequestSession) touch() {
	rs.mu.Lock()
	rs.lastActivity = time.Now()
	rs.mu.Unlock()
}

func (rs *RequestSession) setState(s State) {
	rs.mu.Lock()
	rs.state = s
	rs.mu.Unlock()
}

func (rs *RequestSession) State() State {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func (rs *RequestSession) IdleFor() time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return time.Since(rs.lastActivity)
}

// markLocalEnded records that this side has finished reading from the
// user socket and sent its own end{} frame. markRemoteEnded records that
// the backend's end{} frame has arrived. Both report whether the session
// is now fully closed in both directions, so the caller can destroy it
// exactly once the second side signals end.
func (rs *RequestSession) markLocalEnded() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.localEnded = true
	return rs.localEnded && rs.remoteEnded
}

func (rs *RequestSession) markRemoteEnded() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.remoteEnded = true
	return rs.localEnded && rs.remoteEnded
}

// startRetrySend resends the request{} frame up to requestMaxRetries times
// while no connect/data frame has arrived; the timer is canceled by
// cancelRetry the moment a connect frame or the first upstream data frame
// lands.
func (rs *RequestSession) startRetrySend(frame wire.Frame) {
	rs.retryMu.Lock()
	defer rs.retryMu.Unlock()
	rs.retryTimer = time.AfterFunc(requestRetryInterval, func() { rs.resend(frame) })
}

func (rs *RequestSession) resend(frame wire.Frame) {
	if rs.State() != Pending {
		return
	}
	rs.retryMu.Lock()
	rs.retryCount++
	count := rs.retryCount
	rs.retryMu.Unlock()
	if count > requestMaxRetries {
		return
	}
	rs.sender.Send(rs.BackendID, frame)
	rs.retryMu.Lock()
	rs.retryTimer = time.AfterFunc(requestRetryInterval, func() { rs.resend(frame) })
	rs.retryMu.Unlock()
}

func (rs *RequestSession) cancelRetry() {
	rs.retryMu.Lock()
	defer rs.retryMu.Unlock()
	if rs.retryTimer != nil {
		rs.retryTimer.Stop()
		rs.retryTimer = nil
	}
}

// onConnect handles the agent's connect{} acknowledgement.
func (rs *RequestSession) onConnect() {
	rs.cancelRetry()
	rs.setState(Connected)
	rs.touch()
}

// onData handles a data{} frame from the backend: decode and write to the
// user socket.
func (rs *RequestSession) onData(base64Payload string) {
	rs.cancelRetry()
	payload, err := base64.StdEncoding.DecodeString(base64Payload)
	if err != nil {
		log.Printf("tunnelserver: request %s: malformed data payload: %v", rs.RequestID, err)
		return
	}
	if _, err := rs.conn.Write(payload); err != nil {
		rs.destroy()
		return
	}
	atomic.AddInt64(&rs.bytesOut, int64(len(payload)))
	rs.touch()
}

// onEnd handles the backend's end{} frame: half-close the user socket.
// Once the client side has also finished (its own end{} already sent),
// the session is done in both directions and is destroyed.
func (rs *RequestSession) onEnd() {
	rs.setState(Closing)
	rs.touch()
	if tcp, ok := rs.conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	} else {
		_ = rs.conn.Close()
	}
	if rs.markRemoteEnded() {
		rs.destroy()
	}
}

// onError handles the backend's error{} frame: abortive close and remove.
func (rs *RequestSession) onError(message string) {
	log.Printf("tunnelserver: request %s backend error: %s", rs.RequestID, message)
	rs.destroy()
}

// destroy closes the user socket, stops any retry timer, marks Dead,
// records the session's log entry and metric rollup, and removes the
// session from its table. Safe to call more than once.
func (rs *RequestSession) destroy() {
	rs.mu.Lock()
	if rs.destroyed {
		rs.mu.Unlock()
		return
	}
	rs.destroyed = true
	rs.state = Dead
	rs.mu.Unlock()

	rs.cancelRetry()
	remoteAddr := ""
	if addr := rs.conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}
	_ = rs.conn.Close()
	rs.table.remove(rs.RequestID)
	rs.recordCompletion(remoteAddr)
}

// recordCompletion writes one log entry and one metric rollup update for
// this session's lifetime, mirroring the per-connection accounting a
// proxied TCP stream gets once it finishes.
func (rs *RequestSession) recordCompletion(remoteAddr string) {
	if rs.recorder == nil {
		return
	}
	bytesIn := atomic.LoadInt64(&rs.bytesIn)
	bytesOut := atomic.LoadInt64(&rs.bytesOut)
	now := time.Now().UTC()
	if err := rs.recorder.InsertLog(storage.LogEntry{
		BackendID: rs.BackendID,
		TunnelID:  rs.TunnelID,
		RequestID: rs.RequestID,
		Timestamp: now,
		Summary:   "tcp " + remoteAddr,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
	}); err != nil {
		log.Printf("tunnelserver: request %s: log insert failed: %v", rs.RequestID, err)
	}
	if err := rs.recorder.AddMetric(rs.BackendID, now, 1, bytesIn, bytesOut); err != nil {
		log.Printf("tunnelserver: request %s: metric update failed: %v", rs.RequestID, err)
	}
}

// pumpFromClient is the user-socket read loop: bytes become data{} frames,
// a clean FIN becomes end{}, any other read error deletes the session
// with no frame sent. Once the backend side has also finished (its own
// end{} already received), the session is done in both directions and is
// destroyed.
func (rs *RequestSession) pumpFromClient() {
	buf := make([]byte, 32*1024)
	for {
		n, err := rs.conn.Read(buf)
		if n > 0 {
			rs.touch()
			atomic.AddInt64(&rs.bytesIn, int64(n))
			payload := base64.StdEncoding.EncodeToString(buf[:n])
			rs.sender.Send(rs.BackendID, wire.Data(rs.RequestID, payload))
		}
		if err != nil {
			if err == io.EOF {
				rs.sender.Send(rs.BackendID, wire.End(rs.RequestID))
				rs.setState(Closing)
				if rs.markLocalEnded() {
					rs.destroy()
				}
			} else {
				rs.destroy()
			}
			return
		}
	}
}
