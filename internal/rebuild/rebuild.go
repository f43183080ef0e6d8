// Package rebuild implements the Rebuilder (§4.7): a sequential,
// domain-scoped batch driver that re-links every request in a domain in
// timestamp order, with read-your-own-writes semantics, per-field change
// accounting, and integrity verification. Grounded on the reference
// system's server.go timeout/logging idiom, generalized from one-line-
// per-registration logging to one-line-per-batch summaries.
package rebuild

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"convlink/internal/linker"
	"convlink/internal/model"
	"convlink/internal/store"
)

// Options configures one rebuild pass.
type Options struct {
	Domain    string
	BatchSize int
	// DryRun computes links without calling Store.Save, per §4.7: updates
	// are accumulated and summarized but never applied.
	DryRun bool
}

// FieldChangeCounts tallies how many requests in a batch had each linkage
// field change value, per §4.7's "per-field change counts" requirement.
type FieldChangeCounts struct {
	ConversationID      int
	BranchID            int
	ParentRequestID     int
	IsSubtask           int
	ParentTaskRequestID int
}

// BatchSummary reports the outcome of one batch within a rebuild pass.
type BatchSummary struct {
	BatchIndex int
	Processed  int
	Changes    FieldChangeCounts
}

// Summary is the final report of a full rebuild pass.
type Summary struct {
	Domain          string
	RequestsLinked  int
	Batches         []BatchSummary
	IntegrityWarned bool
}

// ErrIntegrityWarning signals that a conversation's request count
// decreased across the rebuild, violating the non-decrease invariant.
var ErrIntegrityWarning = fmt.Errorf("conversation request count decreased during rebuild")

// Rebuilder drives a Linker over every request in a domain.
type Rebuilder struct {
	Store  store.Store
	Linker *linker.Linker
	Log    *logrus.Logger
}

// New returns a Rebuilder. log may be nil, in which case logrus's
// standard logger is used.
func New(s store.Store, l *linker.Linker, log *logrus.Logger) *Rebuilder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Rebuilder{Store: s, Linker: l, Log: log}
}

// Rebuild processes every request in opts.Domain, in ascending timestamp
// order, one batch at a time. It honors ctx cancellation only at batch
// boundaries, so a batch already in flight always completes. Before
// relinking, it snapshots each conversation's request count (when the
// Store supports ConversationCounter) and warns if the count would
// decrease, per the non-decrease invariant.
func (rb *Rebuilder) Rebuild(ctx context.Context, opts Options) (*Summary, error) {
	var before map[uuid.UUID]int
	if counter, ok := rb.Store.(store.ConversationCounter); ok {
		var err error
		before, err = counter.ConversationRequestCounts(ctx, &opts.Domain)
		if err != nil {
			return nil, fmt.Errorf("snapshot conversation counts: %w", err)
		}
	}

	it, err := rb.Store.StreamRequests(ctx, store.StreamOptions{Domain: opts.Domain, BatchSize: opts.BatchSize})
	if err != nil {
		return nil, fmt.Errorf("stream requests: %w", err)
	}
	defer it.Close()

	summary := &Summary{Domain: opts.Domain}
	batchIdx := 0

	// Soft warning threshold for heap growth over the pass's baseline.
	const heapWarnDelta = 200 << 20
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	baselineHeap := int64(mem.HeapAlloc)

	for {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		batch, done, err := it.Next(ctx)
		if err != nil {
			return summary, fmt.Errorf("read batch %d: %w", batchIdx, err)
		}
		if len(batch) > 0 {
			bs, err := rb.processBatch(ctx, batchIdx, batch, opts)
			if err != nil {
				return summary, err
			}
			summary.Batches = append(summary.Batches, bs)
			summary.RequestsLinked += bs.Processed
			batchIdx++

			runtime.ReadMemStats(&mem)
			if delta := int64(mem.HeapAlloc) - baselineHeap; delta > heapWarnDelta {
				rb.Log.WithFields(logrus.Fields{
					"batch":            bs.BatchIndex,
					"heap_delta_bytes": delta,
				}).Warn("rebuild heap usage over baseline")
			}
		}
		if done {
			break
		}
	}

	if before != nil {
		if warned, err := rb.checkIntegrity(ctx, opts.Domain, before); err != nil {
			return summary, err
		} else if warned {
			summary.IntegrityWarned = true
		}
	}

	rb.Log.WithFields(logrus.Fields{
		"domain":          opts.Domain,
		"requests_linked": summary.RequestsLinked,
		"batches":         len(summary.Batches),
		"dry_run":         opts.DryRun,
	}).Info("rebuild complete")

	return summary, nil
}

func (rb *Rebuilder) processBatch(ctx context.Context, idx int, batch []*model.Request, opts Options) (BatchSummary, error) {
	bs := BatchSummary{BatchIndex: idx}

	for _, req := range batch {
		prevConv, prevBranch := req.ConversationID, req.BranchID
		prevParent, prevSubtask, prevTaskParent := req.ParentRequestID, req.IsSubtask, req.ParentTaskRequestID

		// Resolve runs the same pipeline as Link but skips Store.Save, so
		// a dry-run pass computes and summarizes the would-be linkage
		// without mutating the backing Store.
		link := rb.Linker.Link
		if opts.DryRun {
			link = rb.Linker.Resolve
		}
		if err := link(ctx, req); err != nil {
			return bs, fmt.Errorf("batch %d request %s: %w", idx, req.ID, err)
		}

		bs.Processed++
		if req.ConversationID != prevConv {
			bs.Changes.ConversationID++
		}
		if req.BranchID != prevBranch {
			bs.Changes.BranchID++
		}
		if !uuidPtrEqual(req.ParentRequestID, prevParent) {
			bs.Changes.ParentRequestID++
		}
		if req.IsSubtask != prevSubtask {
			bs.Changes.IsSubtask++
		}
		if !uuidPtrEqual(req.ParentTaskRequestID, prevTaskParent) {
			bs.Changes.ParentTaskRequestID++
		}
	}

	rb.Log.WithFields(logrus.Fields{
		"domain":     opts.Domain,
		"batch":      idx,
		"processed":  bs.Processed,
		"changes":    bs.Changes,
	}).Info("rebuild batch complete")

	return bs, nil
}

func (rb *Rebuilder) checkIntegrity(ctx context.Context, domain string, before map[uuid.UUID]int) (bool, error) {
	counter, ok := rb.Store.(store.ConversationCounter)
	if !ok {
		return false, nil
	}
	after, err := counter.ConversationRequestCounts(ctx, &domain)
	if err != nil {
		return false, fmt.Errorf("snapshot conversation counts: %w", err)
	}

	warned := false
	for conv, beforeCount := range before {
		if after[conv] < beforeCount {
			warned = true
			rb.Log.WithFields(logrus.Fields{
				"conversation_id": conv,
				"before":          beforeCount,
				"after":           after[conv],
			}).Warn(ErrIntegrityWarning.Error())
		}
	}
	return warned, nil
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
