// Package store defines the persistence contract the Resolver, Linker,
// and Rebuilder depend on, independent of any particular backend.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"convlink/internal/model"
)

// Pagination bounds a potentially unbounded query, matching the reference
// system's storage.Pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// LookupFilter narrows a parent/candidate lookup to a domain and a time
// window, per spec.md §4.4's domain-scoping and bounded-lookback rules.
type LookupFilter struct {
	Domain string
	Before time.Time
	// Since bounds the lookback window; zero means unbounded.
	Since time.Time
}

// Candidate is the subset of a stored request the Resolver needs to
// perform its tie-break comparison (Timestamp desc, then RequestID desc).
type Candidate struct {
	RequestID          uuid.UUID
	Timestamp          time.Time
	ConversationID     uuid.UUID
	BranchID           string
	CurrentMessageHash string
}

// StreamOptions bounds a Rebuilder pass over a domain's requests.
type StreamOptions struct {
	Domain    string
	BatchSize int
}

// RequestIterator streams requests in ascending timestamp order, one
// batch at a time, so the Rebuilder can process arbitrarily large domains
// without holding them all in memory.
type RequestIterator interface {
	// Next returns the next batch of requests, or an empty slice with
	// done=true once the stream is exhausted.
	Next(ctx context.Context) (batch []*model.Request, done bool, err error)
	Close() error
}

// Store is the persistence contract the linking engine depends on. A
// Postgres-backed implementation lives in internal/store/postgres; an
// in-memory implementation for tests lives in internal/store/memstore.
type Store interface {
	// FindByCurrentHash looks up a request previously linked with the
	// given current-message hash in domain, with a timestamp strictly
	// earlier than before, used by the normal and summarization
	// resolution paths to enforce invariant 3's "strictly earlier
	// timestamp" parent constraint at the store.
	FindByCurrentHash(ctx context.Context, domain, currentHash string, before time.Time) (*Candidate, error)

	// FindTaskInvocationsBefore returns candidate parent requests in
	// domain whose response body invoked the Task tool with exactly
	// prompt, before the given time, bounded by page.
	FindTaskInvocationsBefore(ctx context.Context, domain, prompt string, before time.Time, page Pagination) ([]Candidate, error)

	// SearchResponseContaining returns candidate requests in domain whose
	// response body text contains target, bounded by page. Used by
	// compact-continuation resolution.
	SearchResponseContaining(ctx context.Context, domain, target string, page Pagination) ([]Candidate, error)

	// CountChildren returns how many requests already have parentHash as
	// their parent-message hash and sort strictly before (before, excludeID)
	// in (timestamp, id) order, used by the Branch Assigner's fork
	// detection. The (before, excludeID) pair is always the request being
	// linked itself, so re-linking an already-saved row during a rebuild
	// never counts that row or any later sibling as an earlier child.
	CountChildren(ctx context.Context, domain, parentHash string, before time.Time, excludeID uuid.UUID) (int, error)

	// ListBranchIDs returns every branch id already used in a
	// conversation, used to compute the next subtask_<n> sequence number.
	ListBranchIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error)

	// Save persists a fully-linked request (all of model.Request's
	// linkage fields populated).
	Save(ctx context.Context, req *model.Request) error

	// Get returns a previously saved request by id.
	Get(ctx context.Context, id uuid.UUID) (*model.Request, error)

	// StreamRequests returns an iterator over a domain's requests in
	// ascending timestamp order, for the Rebuilder.
	StreamRequests(ctx context.Context, opts StreamOptions) (RequestIterator, error)

	Close() error
}

// StrictlyEarlier reports whether (ts, id) sorts before (before, excludeID)
// in the (timestamp, id) order every Store implementation's CountChildren
// and StreamRequests share: timestamp ascending, ties broken by the
// request id's string form ascending. This is the inverse of the
// Resolver's tie-break order (which picks the most recent candidate), so
// the same total order underlies both "pick the newest" and "count what
// came before me".
func StrictlyEarlier(ts time.Time, id uuid.UUID, before time.Time, excludeID uuid.UUID) bool {
	if ts.Before(before) {
		return true
	}
	if ts.After(before) {
		return false
	}
	return id.String() < excludeID.String()
}

// ConversationCounter is an optional capability a Store may implement to
// support the Rebuilder's integrity check (conversation request-count
// must never decrease across a rebuild). Implementations that cannot
// support it cheaply may omit it; the Rebuilder type-asserts for it and
// skips the check when absent.
type ConversationCounter interface {
	// ConversationRequestCounts returns, for every conversation in domain
	// (or every conversation if domain is nil), the number of requests
	// currently linked to it.
	ConversationRequestCounts(ctx context.Context, domain *string) (map[uuid.UUID]int, error)
}
