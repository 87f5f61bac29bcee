// Package queryregistry maps QueryId -> SessionId for every in-flight
// query (Forget removes a query once it completes), plus a "last issued
// query per session" slot, kept after completion, used to implement
// cancel-current-query UX without the caller needing to track query ids
// itself.
package queryregistry

import (
	"sync"

	"github.com/qoreforge/dbgateway/internal/value"
)

type Registry struct {
	mu         sync.RWMutex
	owners     map[value.QueryId]value.SessionId
	lastIssued map[value.SessionId]value.QueryId
}

func New() *Registry {
	return &Registry{
		owners:     make(map[value.QueryId]value.SessionId),
		lastIssued: make(map[value.SessionId]value.QueryId),
	}
}

// Issue registers a newly started query against its owning session and
// records it as that session's most recent query.
func (r *Registry) Issue(sessionID value.SessionId) value.QueryId {
	id := value.NewQueryId()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = sessionID
	r.lastIssued[sessionID] = id
	return id
}

// IssueWithID registers a caller-supplied query id, used by streaming
// callers that need to subscribe to the id's event topics before the
// statement starts. A duplicate id is rejected rather than silently
// re-owned.
func (r *Registry) IssueWithID(sessionID value.SessionId, id value.QueryId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.owners[id]; exists {
		return value.NewError(value.ErrValidation, "query id is already registered")
	}
	r.owners[id] = sessionID
	r.lastIssued[sessionID] = id
	return nil
}

// Forget removes a completed query's bookkeeping entry; lastIssued is
// left alone so "cancel the query I just ran" keeps working after it
// finishes.
func (r *Registry) Forget(id value.QueryId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, id)
}

func (r *Registry) Owner(id value.QueryId) (value.SessionId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owners[id]
	return s, ok
}

// LastIssued returns the most recently issued query id for sessionID,
// used when a caller asks to cancel "the current query" without
// naming a QueryId explicitly.
func (r *Registry) LastIssued(sessionID value.SessionId) (value.QueryId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.lastIssued[sessionID]
	return id, ok
}

// ActiveQuery is one registry entry, as listed by Active.
type ActiveQuery struct {
	QueryID   value.QueryId
	SessionID value.SessionId
}

// Active lists every in-flight query.
func (r *Registry) Active() []ActiveQuery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActiveQuery, 0, len(r.owners))
	for qid, sid := range r.owners {
		out = append(out, ActiveQuery{QueryID: qid, SessionID: sid})
	}
	return out
}

// DropSession clears all bookkeeping for a disconnected session.
func (r *Registry) DropSession(sessionID value.SessionId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastIssued, sessionID)
	for qid, sid := range r.owners {
		if sid == sessionID {
			delete(r.owners, qid)
		}
	}
}
