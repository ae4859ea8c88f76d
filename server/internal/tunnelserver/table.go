package tunnelserver

import (
	"context"
	"sync"
	"time"

	"github.com/bifrost-project/bifrost/internal/wire"
)

// RequestTable is the process-wide index of live RequestSessions, keyed
// both by requestId and by backendId so a lost backend connection can
// tear down every dependent session in one pass without scanning. It
// satisfies backendsession.RequestRegistry structurally.
type RequestTable struct {
	mu        sync.Mutex
	byID      map[string]*RequestSession
	byBackend map[string]map[string]*RequestSession
}

func NewRequestTable() *RequestTable {
	return &RequestTable{
		byID:      make(map[string]*RequestSession),
		byBackend: make(map[string]map[string]*RequestSession),
	}
}

func (t *RequestTable) register(rs *RequestSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[rs.RequestID] = rs
	set, ok := t.byBackend[rs.BackendID]
	if !ok {
		set = make(map[string]*RequestSession)
		t.byBackend[rs.BackendID] = set
	}
	set[rs.RequestID] = rs
}

func (t *RequestTable) remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.byID[requestID]
	if !ok {
		return
	}
	delete(t.byID, requestID)
	if set, ok := t.byBackend[rs.BackendID]; ok {
		delete(set, requestID)
		if len(set) == 0 {
			delete(t.byBackend, rs.BackendID)
		}
	}
}

func (t *RequestTable) get(requestID string) (*RequestSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.byID[requestID]
	return rs, ok
}

// Dispatch implements backendsession.RequestRegistry: routes a
// connect/data/end/error frame from backendID to the RequestSession it
// names. Frames for an absent requestId, or one owned by a different
// backend, are dropped silently.
func (t *RequestTable) Dispatch(backendID string, f wire.Frame) {
	rs, ok := t.get(f.RequestID)
	if !ok || rs.BackendID != backendID {
		return
	}
	switch f.Type {
	case wire.TypeConnect:
		rs.onConnect()
	case wire.TypeData:
		rs.onData(f.Data)
	case wire.TypeEnd:
		rs.onEnd()
	case wire.TypeError:
		rs.onError(f.Error)
	}
}

// TeardownBackend implements backendsession.RequestRegistry: destroys
// every RequestSession owned by backendID. Called when that backend's
// control connection is lost.
func (t *RequestTable) TeardownBackend(backendID string) {
	t.mu.Lock()
	set, ok := t.byBackend[backendID]
	var victims []*RequestSession
	if ok {
		for _, rs := range set {
			victims = append(victims, rs)
		}
	}
	t.mu.Unlock()

	for _, rs := range victims {
		rs.destroy()
	}
}

func (t *RequestTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// RunIdleSweep destroys Pending sessions whose lastActivity exceeds
// pendingIdleThreshold, every idleSweepInterval, until ctx is canceled.
// Connected/Closing sessions are exempt, so a healthy idle proxied stream
// is never killed by this sweep.
func (t *RequestTable) RunIdleSweep(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *RequestTable) sweepOnce() {
	t.mu.Lock()
	var victims []*RequestSession
	for _, rs := range t.byID {
		if rs.State() == Pending && rs.IdleFor() > pendingIdleThreshold {
			victims = append(victims, rs)
		}
	}
	t.mu.Unlock()

	for _, rs := range victims {
		rs.destroy()
	}
}
