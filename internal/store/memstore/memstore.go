// Package memstore is an in-process Store implementation for tests and
// for the CLI's store.type "memory" setting. It is grounded on the reference
// system's mockStorage test double (internal/api/api_test.go): a plain
// mutex-guarded map standing in for a real database.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convlink/internal/model"
	"convlink/internal/store"
)

// Store is an in-memory, goroutine-safe implementation of store.Store.
type Store struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*model.Request
	// byHash records the most recently saved request id per (domain,
	// currentMessageHash), mirroring the reference system's
	// FindMessageByHistory index on cumulative_hash.
	byHash map[string]uuid.UUID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		requests: make(map[uuid.UUID]*model.Request),
		byHash:   make(map[string]uuid.UUID),
	}
}

func hashKey(domain, hash string) string {
	return domain + "\x00" + hash
}

func (s *Store) FindByCurrentHash(ctx context.Context, domain, currentHash string, before time.Time) (*store.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Request
	for _, req := range s.requests {
		if req.Domain != domain || req.CurrentMessageHash != currentHash || !req.Timestamp.Before(before) {
			continue
		}
		if found == nil || req.Timestamp.After(found.Timestamp) ||
			(req.Timestamp.Equal(found.Timestamp) && req.ID.String() > found.ID.String()) {
			found = req
		}
	}
	if found == nil {
		return nil, nil
	}
	return candidateFromRequest(found), nil
}

func (s *Store) FindTaskInvocationsBefore(ctx context.Context, domain, prompt string, before time.Time, page store.Pagination) ([]store.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Candidate
	for _, req := range s.requests {
		if req.Domain != domain || !req.Timestamp.Before(before) {
			continue
		}
		if req.ResponseBody == nil {
			continue
		}
		for _, tu := range req.ResponseBody.ToolUses() {
			if tu.Name != model.TaskToolName {
				continue
			}
			if p, _ := tu.Input["prompt"].(string); p == prompt {
				out = append(out, *candidateFromRequest(req))
				break
			}
		}
	}
	sortCandidatesDesc(out)
	return paginate(out, page), nil
}

func (s *Store) SearchResponseContaining(ctx context.Context, domain, target string, page store.Pagination) ([]store.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Candidate
	for _, req := range s.requests {
		if req.Domain != domain || req.ResponseBody == nil {
			continue
		}
		if strings.Contains(req.ResponseBody.Text(), target) {
			out = append(out, *candidateFromRequest(req))
		}
	}
	sortCandidatesDesc(out)
	return paginate(out, page), nil
}

func (s *Store) CountChildren(ctx context.Context, domain, parentHash string, before time.Time, excludeID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, req := range s.requests {
		if req.Domain != domain {
			continue
		}
		if req.ParentMessageHash == nil || *req.ParentMessageHash != parentHash {
			continue
		}
		if !store.StrictlyEarlier(req.Timestamp, req.ID, before, excludeID) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Store) ListBranchIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, req := range s.requests {
		if req.ConversationID == conversationID {
			seen[req.BranchID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Save(ctx context.Context, req *model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[req.ID] = &cp
	s.byHash[hashKey(req.Domain, req.CurrentMessageHash)] = req.ID
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (s *Store) ConversationRequestCounts(ctx context.Context, domain *string) (map[uuid.UUID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[uuid.UUID]int)
	for _, req := range s.requests {
		if domain != nil && req.Domain != *domain {
			continue
		}
		counts[req.ConversationID]++
	}
	return counts, nil
}

func (s *Store) StreamRequests(ctx context.Context, opts store.StreamOptions) (store.RequestIterator, error) {
	s.mu.RLock()
	var all []*model.Request
	for _, req := range s.requests {
		if req.Domain == opts.Domain {
			cp := *req
			all = append(all, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return store.StrictlyEarlier(all[i].Timestamp, all[i].ID, all[j].Timestamp, all[j].ID)
	})

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = len(all)
		if batchSize == 0 {
			batchSize = 1
		}
	}
	return &sliceIterator{items: all, batchSize: batchSize}, nil
}

func (s *Store) Close() error { return nil }

type sliceIterator struct {
	items     []*model.Request
	batchSize int
	pos       int
}

func (it *sliceIterator) Next(ctx context.Context) ([]*model.Request, bool, error) {
	if it.pos >= len(it.items) {
		return nil, true, nil
	}
	end := it.pos + it.batchSize
	if end > len(it.items) {
		end = len(it.items)
	}
	batch := it.items[it.pos:end]
	it.pos = end
	return batch, it.pos >= len(it.items), nil
}

func (it *sliceIterator) Close() error { return nil }

func candidateFromRequest(req *model.Request) *store.Candidate {
	return &store.Candidate{
		RequestID:          req.ID,
		Timestamp:          req.Timestamp,
		ConversationID:     req.ConversationID,
		BranchID:           req.BranchID,
		CurrentMessageHash: req.CurrentMessageHash,
	}
}

// sortCandidatesDesc orders candidates by the Resolver's tie-break rule:
// most recent timestamp first, then lexicographically larger request id
// first.
func sortCandidatesDesc(c []store.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if !c[i].Timestamp.Equal(c[j].Timestamp) {
			return c[i].Timestamp.After(c[j].Timestamp)
		}
		return c[i].RequestID.String() > c[j].RequestID.String()
	})
}

func paginate(c []store.Candidate, page store.Pagination) []store.Candidate {
	if page.Offset >= len(c) {
		return nil
	}
	end := len(c)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return c[page.Offset:end]
}
