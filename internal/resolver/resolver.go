// Package resolver implements the Parent Resolver (§4.4): locating, for a
// given request, the prior request (if any) it continues, by
// current-message hash, Task-tool invocation, or compact-continuation
// summary text. Grounded on the reference system's FindMessageByHistory
// lookup and the fork-detection query in AddMessage
// (SELECT EXISTS(SELECT 1 FROM messages WHERE parent_message_id = $1)).
package resolver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"convlink/internal/cache"
	"convlink/internal/store"
)

// SubtaskLookback bounds how far back a Task-tool invocation may be
// found when matching a subtask-candidate request, per §9's
// bounded-lookback design note.
const SubtaskLookback = 30 * time.Second

// Resolver wraps a Store and an advisory Cache to answer parent-lookup
// queries.
type Resolver struct {
	Store store.Store
	Cache cache.Cache
}

// New returns a Resolver. cache may be nil to disable the advisory tier.
func New(s store.Store, c cache.Cache) *Resolver {
	return &Resolver{Store: s, Cache: c}
}

// ResolveByHash finds the request in domain whose current-message hash
// equals hash, with a timestamp strictly earlier than before, used by
// both the normal and summarization resolution paths. It consults the
// advisory cache first.
func (r *Resolver) ResolveByHash(ctx context.Context, domain, hash string, before time.Time) (*store.Candidate, error) {
	if hash == "" {
		return nil, nil
	}
	if r.Cache != nil {
		if e, ok := r.Cache.Get(ctx, domain, hash); ok && e.Timestamp.Before(before) {
			return &store.Candidate{
				RequestID:          e.RequestID,
				Timestamp:          e.Timestamp,
				ConversationID:     e.ConversationID,
				BranchID:           e.BranchID,
				CurrentMessageHash: e.CurrentMessageHash,
			}, nil
		}
	}
	return r.Store.FindByCurrentHash(ctx, domain, hash, before)
}

// Remember populates the advisory cache with a just-saved request's
// linkage, so a later request in the same domain whose parent hash
// matches this one's current-message hash can resolve without a Store
// round trip. A no-op when the Resolver has no Cache configured.
func (r *Resolver) Remember(ctx context.Context, domain string, c store.Candidate) {
	if r.Cache == nil {
		return
	}
	r.Cache.Put(ctx, domain, c.CurrentMessageHash, cache.Entry{
		RequestID:          c.RequestID,
		Timestamp:          c.Timestamp,
		ConversationID:     c.ConversationID,
		BranchID:           c.BranchID,
		CurrentMessageHash: c.CurrentMessageHash,
	})
}

// ResolveSubtaskParent finds the request whose response invoked the Task
// tool with exactly prompt, within SubtaskLookback of before, preferring
// the most recent match and breaking ties by request id descending.
func (r *Resolver) ResolveSubtaskParent(ctx context.Context, domain, prompt string, before time.Time) (*store.Candidate, error) {
	since := before.Add(-SubtaskLookback)
	candidates, err := r.Store.FindTaskInvocationsBefore(ctx, domain, prompt, before, store.Pagination{Limit: 50})
	if err != nil {
		return nil, err
	}
	candidates = filterSince(candidates, since)
	return best(candidates), nil
}

// ResolveCompactTarget finds the request whose response text contains
// target, the compact-continuation's extracted summary, preferring the
// most recent match.
func (r *Resolver) ResolveCompactTarget(ctx context.Context, domain, target string) (*store.Candidate, error) {
	if target == "" {
		return nil, nil
	}
	candidates, err := r.Store.SearchResponseContaining(ctx, domain, target, store.Pagination{Limit: 50})
	if err != nil {
		return nil, err
	}
	return best(candidates), nil
}

// CountChildren reports how many requests already resolved to parentHash
// as their parent-message hash and sort strictly before (before,
// excludeID), used by the Branch Assigner to detect a fan-out fork.
// excludeID is always the request being linked itself, so its own
// persisted row (when re-linking during a rebuild) and any later sibling
// are never counted as an earlier child.
func (r *Resolver) CountChildren(ctx context.Context, domain, parentHash string, before time.Time, excludeID uuid.UUID) (int, error) {
	return r.Store.CountChildren(ctx, domain, parentHash, before, excludeID)
}

func filterSince(candidates []store.Candidate, since time.Time) []store.Candidate {
	return lo.Filter(candidates, func(c store.Candidate, _ int) bool {
		return !c.Timestamp.Before(since)
	})
}

// best applies the tie-break rule of the subtask and compact resolution
// paths: most recent timestamp wins, ties broken by lexicographically
// larger request id. The hash path gets the same order from the Store's
// FindByCurrentHash instead.
func best(candidates []store.Candidate) *store.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	winner := lo.MaxBy(candidates, func(a, b store.Candidate) bool {
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.RequestID.String() > b.RequestID.String()
	})
	return &winner
}
