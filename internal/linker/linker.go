// Package linker implements the Linker (§4.6): given a new request and
// its normalized hashes, it resolves the request's parent, assigns it to
// a conversation and branch, and persists the fully-linked result.
// Grounded on the reference system's SavingInterceptor.SaveToStorage,
// which walks a request's message history backward through storage,
// creating a new conversation when no match is found.
package linker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"convlink/internal/branch"
	"convlink/internal/detect"
	"convlink/internal/hash"
	"convlink/internal/model"
	"convlink/internal/resolver"
	"convlink/internal/store"
)

// ErrInvalidInput is returned when a request fails structural validation
// before any store access is attempted.
var ErrInvalidInput = errors.New("invalid input")

// ErrStoreUnavailable wraps a Store failure encountered while linking.
var ErrStoreUnavailable = errors.New("store unavailable")

// Linker orchestrates resolution, branch assignment, and persistence for
// one request at a time.
type Linker struct {
	Store    store.Store
	Resolver *resolver.Resolver
	Log      *logrus.Logger
}

// New returns a Linker wired to s and res. log may be nil, in which case
// logrus's standard logger is used.
func New(s store.Store, res *resolver.Resolver, log *logrus.Logger) *Linker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Linker{Store: s, Resolver: res, Log: log}
}

// Link computes req's hashes, resolves its parent, assigns its
// conversation and branch, writes the resulting linkage fields onto req,
// and persists it. req.ID and req.Timestamp must already be set.
func (l *Linker) Link(ctx context.Context, req *model.Request) error {
	return l.link(ctx, req, true)
}

// Resolve runs the same resolution and branch-assignment pipeline as
// Link but never calls Store.Save or populates the advisory cache, for
// the Rebuilder's dry-run preview mode (§4.7).
func (l *Linker) Resolve(ctx context.Context, req *model.Request) error {
	return l.link(ctx, req, false)
}

func (l *Linker) link(ctx context.Context, req *model.Request, persist bool) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	currentHash, parentHash, systemHash, err := hash.ForRequest(req.Messages, req.System, req.ResponseBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.CurrentMessageHash = currentHash
	req.ParentMessageHash = parentHash
	req.SystemHash = systemHash
	req.MessageCount = len(req.Messages)

	cls := detect.Classify(req.System, req.Messages)

	parentReq, err := l.resolveNormalParent(ctx, req, parentHash, cls)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var compactParent *store.Candidate
	if cls.IsCompactContinuation {
		compactParent, err = l.Resolver.ResolveCompactTarget(ctx, req.Domain, cls.CompactTarget)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	var subtaskParent *store.Candidate
	var subtaskSeq int
	if cls.IsSubtaskCandidate {
		subtaskParent, err = l.Resolver.ResolveSubtaskParent(ctx, req.Domain, req.Messages[0].Content.PlainText(), req.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if subtaskParent != nil {
			ids, err := l.Store.ListBranchIDs(ctx, subtaskParent.ConversationID)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			subtaskSeq = branch.NextSubtaskSeq(ids)
		}
	}

	l.assign(req, parentReq, compactParent, subtaskParent, subtaskSeq)

	if err := l.assignBranch(ctx, req, parentReq, compactParent, subtaskParent, subtaskSeq); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !persist {
		return nil
	}

	if err := l.Store.Save(ctx, req); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	l.Resolver.Remember(ctx, req.Domain, store.Candidate{
		RequestID:          req.ID,
		Timestamp:          req.Timestamp,
		ConversationID:     req.ConversationID,
		BranchID:           req.BranchID,
		CurrentMessageHash: req.CurrentMessageHash,
	})

	l.Log.WithFields(logrus.Fields{
		"request_id":      req.ID,
		"domain":          req.Domain,
		"conversation_id": req.ConversationID,
		"branch_id":       req.BranchID,
		"is_subtask":      req.IsSubtask,
	}).Info("linked request")

	return nil
}

// resolveNormalParent looks up the parent by parentHash. For a
// summarization request with no match, it retries with the prefix hash
// computed without any system prompt, since the summarizer's own system
// prompt never matches the conversation it summarizes.
func (l *Linker) resolveNormalParent(ctx context.Context, req *model.Request, parentHash *string, cls detect.Classification) (*store.Candidate, error) {
	if parentHash == nil {
		return nil, nil
	}
	p, err := l.Resolver.ResolveByHash(ctx, req.Domain, *parentHash, req.Timestamp)
	if err != nil || p != nil || !cls.IsSummarization {
		return p, err
	}
	_, bareHash, _, err := hash.ForRequest(req.Messages, nil, nil)
	if err != nil || bareHash == nil {
		return nil, err
	}
	return l.Resolver.ResolveByHash(ctx, req.Domain, *bareHash, req.Timestamp)
}

// assign fills in conversation/parent linkage fields per §4.6's priority:
// compact > subtask > normal parent > new conversation root. Subtask
// linkage and normal-parent linkage can coexist per §9: a subtask request
// records both its task-invocation parent and (if present) its own
// normal-path parent.
func (l *Linker) assign(req *model.Request, parentReq, compactParent, subtaskParent *store.Candidate, subtaskSeq int) {
	switch {
	case compactParent != nil:
		req.ConversationID = compactParent.ConversationID
		id := compactParent.RequestID
		req.ParentRequestID = &id

	case subtaskParent != nil:
		req.ConversationID = subtaskParent.ConversationID
		req.IsSubtask = true
		id := subtaskParent.RequestID
		req.ParentTaskRequestID = &id
		if parentReq != nil {
			pid := parentReq.RequestID
			req.ParentRequestID = &pid
		}

	case parentReq != nil:
		req.ConversationID = parentReq.ConversationID
		id := parentReq.RequestID
		req.ParentRequestID = &id

	default:
		req.ConversationID = uuid.New()
	}
}

// assignBranch fills in req.BranchID per §4.5's priority, querying the
// Resolver for a fan-out-fork only when a normal parent is the deciding
// factor (compact and subtask branches never need the child count).
func (l *Linker) assignBranch(ctx context.Context, req *model.Request, parentReq, compactParent, subtaskParent *store.Candidate, subtaskSeq int) error {
	switch {
	case compactParent != nil:
		req.BranchID = branch.CompactID(req.Timestamp)

	case subtaskParent != nil:
		req.BranchID = branch.SubtaskID(subtaskSeq)

	case parentReq != nil:
		childCount, err := l.Resolver.CountChildren(ctx, req.Domain, parentReq.CurrentMessageHash, req.Timestamp, req.ID)
		if err != nil {
			return err
		}
		if childCount == 0 {
			req.BranchID = parentReq.BranchID
		} else {
			req.BranchID = branch.ForkID(req.Timestamp)
		}

	default:
		req.BranchID = branch.Main
	}
	return nil
}
