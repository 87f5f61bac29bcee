package queryregistry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qoreforge/dbgateway/internal/value"
)

func TestIssueAndOwner(t *testing.T) {
	r := New()
	sid := value.NewSessionId()
	qid := r.Issue(sid)

	owner, ok := r.Owner(qid)
	require.True(t, ok)
	require.Equal(t, sid, owner)
}

func TestLastIssuedTracksMostRecentQuery(t *testing.T) {
	r := New()
	sid := value.NewSessionId()
	first := r.Issue(sid)
	second := r.Issue(sid)

	last, ok := r.LastIssued(sid)
	require.True(t, ok)
	require.Equal(t, second, last)
	require.NotEqual(t, first, last)
}

func TestForgetRemovesOwnerButKeepsLastIssued(t *testing.T) {
	r := New()
	sid := value.NewSessionId()
	qid := r.Issue(sid)
	r.Forget(qid)

	_, ok := r.Owner(qid)
	require.False(t, ok)

	last, ok := r.LastIssued(sid)
	require.True(t, ok)
	require.Equal(t, qid, last)
}

func TestDropSessionClearsBookkeeping(t *testing.T) {
	r := New()
	sid := value.NewSessionId()
	qid := r.Issue(sid)
	r.DropSession(sid)

	_, ok := r.Owner(qid)
	require.False(t, ok)
	_, ok = r.LastIssued(sid)
	require.False(t, ok)
}

func TestIssueWithIDRejectsDuplicates(t *testing.T) {
	r := New()
	sid := value.NewSessionId()
	qid := value.NewQueryId()

	require.NoError(t, r.IssueWithID(sid, qid))
	require.Error(t, r.IssueWithID(sid, qid))

	owner, ok := r.Owner(qid)
	require.True(t, ok)
	require.Equal(t, sid, owner)

	last, ok := r.LastIssued(sid)
	require.True(t, ok)
	require.Equal(t, qid, last)
}

func TestActiveListsInFlightQueries(t *testing.T) {
	r := New()
	sid := value.NewSessionId()
	q1 := r.Issue(sid)
	q2 := r.Issue(sid)

	require.Len(t, r.Active(), 2)
	r.Forget(q1)
	active := r.Active()
	require.Len(t, active, 1)
	require.Equal(t, q2, active[0].QueryID)
}
