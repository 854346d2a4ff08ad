// Package correlator owns the broker-side table of outstanding tunnel
// requests. It is the only place that resolves or rejects waiters, and it
// guarantees each waiter is signaled exactly once.
package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	tunnel "github.com/eugener/palantir/internal"
)

// Response is a tunneled HTTP response delivered to a waiter.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// outcome is what a waiter receives: a response or a tunnel error.
type outcome struct {
	resp *Response
	err  error
}

// Pending is one outstanding request. The waiter channel is buffered and
// written exactly once, by the path that removed the entry from the table
// under the lock.
type Pending struct {
	ID        string
	UserID    string
	SessionID string
	Deadline  time.Time
	CreatedAt time.Time

	ch    chan outcome
	timer *time.Timer
}

// Wait blocks until the request resolves, fails, times out, or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case out := <-p.ch:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table is the pending-request table.
type Table struct {
	mu         sync.Mutex
	pending    map[string]*Pending
	perSession map[string]int
	maxPending int
}

// New creates a Table bounded to maxPending outstanding requests.
func New(maxPending int) *Table {
	if maxPending <= 0 {
		maxPending = 10_000
	}
	return &Table{
		pending:    make(map[string]*Pending),
		perSession: make(map[string]int),
		maxPending: maxPending,
	}
}

// Dispatch allocates a broker-unique id and registers a pending entry. It
// fails with queue_full when the table is full or the session has reached
// maxChannels outstanding requests. The caller emits the frame after a
// successful dispatch; a frame-send failure must be reported via Fail.
func (t *Table) Dispatch(userID, sessionID string, deadline time.Time, maxChannels int) (*Pending, error) {
	// UUID v7 ids are time-ordered and carry 74 bits of entropy: unguessable
	// across users and unique within the process.
	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now()

	t.mu.Lock()
	if len(t.pending) >= t.maxPending {
		t.mu.Unlock()
		return nil, tunnel.E(tunnel.CodeQueueFull, "pending request table full")
	}
	if maxChannels > 0 && t.perSession[sessionID] >= maxChannels {
		t.mu.Unlock()
		return nil, tunnel.Ef(tunnel.CodeQueueFull, "session has %d requests in flight", maxChannels)
	}

	p := &Pending{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		Deadline:  deadline,
		CreatedAt: now,
		ch:        make(chan outcome, 1),
	}
	t.pending[id] = p
	t.perSession[sessionID]++
	t.mu.Unlock()

	budget := time.Until(deadline)
	p.timer = time.AfterFunc(budget, func() {
		t.fail(id, tunnel.Ef(tunnel.CodeUpstreamTimeout, "no response within %s", budget.Round(time.Millisecond)))
	})
	return p, nil
}

// Resolve completes the pending entry for id with resp. The response must
// come from the session that dispatched the request; a mismatch is a
// protocol violation and the caller must close the session. A response for
// an unknown id (late, duplicate, or never dispatched) is discarded.
func (t *Table) Resolve(sessionID, id string, resp *Response) (ok bool, violation error) {
	t.mu.Lock()
	p, exists := t.pending[id]
	if !exists {
		t.mu.Unlock()
		slog.Debug("late response discarded", "request_id", id, "session_id", sessionID)
		return false, nil
	}
	if p.SessionID != sessionID {
		t.mu.Unlock()
		return false, tunnel.Ef(tunnel.CodeCrossSessionResponse, "response for %s from session %s, owned by %s", id, sessionID, p.SessionID)
	}
	t.remove(p)
	t.mu.Unlock()

	p.stopTimer()
	p.ch <- outcome{resp: resp}
	return true, nil
}

// FailRequest fails the pending entry for id with err, if the entry exists
// and (when sessionID is non-empty) is owned by that session.
func (t *Table) FailRequest(sessionID, id string, err *tunnel.Error) bool {
	t.mu.Lock()
	p, exists := t.pending[id]
	if !exists || (sessionID != "" && p.SessionID != sessionID) {
		t.mu.Unlock()
		return false
	}
	t.remove(p)
	t.mu.Unlock()

	p.stopTimer()
	p.ch <- outcome{err: err}
	return true
}

// fail is the timeout path; err replaces the entry regardless of session.
func (t *Table) fail(id string, err *tunnel.Error) {
	t.FailRequest("", id, err)
}

// FailSession fails every pending entry owned by sessionID with
// session_lost (or the supplied code) and returns how many were failed.
// Waiters are signaled synchronously before the call returns.
func (t *Table) FailSession(sessionID string, code tunnel.Code) int {
	t.mu.Lock()
	var victims []*Pending
	for _, p := range t.pending {
		if p.SessionID == sessionID {
			victims = append(victims, p)
		}
	}
	for _, p := range victims {
		t.remove(p)
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.stopTimer()
		p.ch <- outcome{err: tunnel.Ef(code, "session %s lost with request in flight", sessionID)}
	}
	return len(victims)
}

// Cancel fails a single request with cancelled semantics (caller went away).
func (t *Table) Cancel(id string) bool {
	return t.FailRequest("", id, tunnel.E(tunnel.CodeSessionLost, "request cancelled by caller"))
}

// remove deletes p from the table and decrements its session count.
// Caller holds mu.
func (t *Table) remove(p *Pending) {
	delete(t.pending, p.ID)
	if n := t.perSession[p.SessionID]; n <= 1 {
		delete(t.perSession, p.SessionID)
	} else {
		t.perSession[p.SessionID] = n - 1
	}
}

func (p *Pending) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SessionLen returns the number of outstanding requests for one session.
func (t *Table) SessionLen(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perSession[sessionID]
}
