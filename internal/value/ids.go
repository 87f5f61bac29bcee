package value

import (
	"context"

	"github.com/google/uuid"
)

// SessionId identifies a single connected, authenticated database session.
type SessionId struct{ id uuid.UUID }

// QueryId identifies a single in-flight or completed query execution.
type QueryId struct{ id uuid.UUID }

func NewSessionId() SessionId { return SessionId{id: uuid.New()} }
func NewQueryId() QueryId     { return QueryId{id: uuid.New()} }

func (s SessionId) String() string { return s.id.String() }
func (q QueryId) String() string   { return q.id.String() }

func (s SessionId) IsZero() bool { return s.id == uuid.Nil }
func (q QueryId) IsZero() bool   { return q.id == uuid.Nil }

func ParseSessionId(s string) (SessionId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionId{}, err
	}
	return SessionId{id: id}, nil
}

func ParseQueryId(s string) (QueryId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return QueryId{}, err
	}
	return QueryId{id: id}, nil
}

func (s SessionId) MarshalJSON() ([]byte, error) { return []byte(`"` + s.id.String() + `"`), nil }
func (q QueryId) MarshalJSON() ([]byte, error)   { return []byte(`"` + q.id.String() + `"`), nil }

func (s *SessionId) UnmarshalJSON(data []byte) error {
	id, err := uuid.ParseBytes(trimQuotes(data))
	if err != nil {
		return err
	}
	s.id = id
	return nil
}

func (q *QueryId) UnmarshalJSON(data []byte) error {
	id, err := uuid.ParseBytes(trimQuotes(data))
	if err != nil {
		return err
	}
	q.id = id
	return nil
}

func trimQuotes(data []byte) []byte {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		return data[1 : len(data)-1]
	}
	return data
}

type queryIDKey struct{}

// WithQueryID tags ctx with the query id of the statement about to run,
// so drivers can record backend-level cancel tokens against it.
func WithQueryID(ctx context.Context, id QueryId) context.Context {
	return context.WithValue(ctx, queryIDKey{}, id)
}

// QueryIDFrom extracts the query id WithQueryID attached, if any.
func QueryIDFrom(ctx context.Context) (QueryId, bool) {
	id, ok := ctx.Value(queryIDKey{}).(QueryId)
	return id, ok
}
