package rebuild_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlink/internal/branch"
	"convlink/internal/cache"
	"convlink/internal/linker"
	"convlink/internal/model"
	"convlink/internal/rebuild"
	"convlink/internal/resolver"
	"convlink/internal/store/memstore"
)

func newRebuilder(t *testing.T) (*rebuild.Rebuilder, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	c, err := cache.NewLRU(64)
	require.NoError(t, err)
	res := resolver.New(s, c)
	lk := linker.New(s, res, nil)
	return rebuild.New(s, lk, nil), s
}

func saveUnlinked(t *testing.T, s *memstore.Store, domain string, at time.Time, text string) *model.Request {
	t.Helper()
	req := &model.Request{
		ID:        uuid.New(),
		Domain:    domain,
		Timestamp: at,
		Messages:  []model.Message{{Role: model.RoleUser, Content: model.Content{IsText: true, Text: text}}},
	}
	require.NoError(t, s.Save(context.Background(), req))
	return req
}

func TestRebuild_LinksEveryRequestInDomain(t *testing.T) {
	rb, s := newRebuilder(t)
	ctx := context.Background()
	base := time.Now()

	saveUnlinked(t, s, "acme", base, "hello")
	saveUnlinked(t, s, "acme", base.Add(time.Second), "world")
	saveUnlinked(t, s, "other", base, "unrelated")

	summary, err := rb.Rebuild(ctx, rebuild.Options{Domain: "acme", BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RequestsLinked)
	assert.Equal(t, "acme", summary.Domain)
	assert.Len(t, summary.Batches, 2, "batch size of 1 over 2 requests should yield 2 batches")
}

func TestRebuild_EachRequestBecomesAConversationRoot(t *testing.T) {
	rb, s := newRebuilder(t)
	ctx := context.Background()
	base := time.Now()

	a := saveUnlinked(t, s, "acme", base, "first")
	b := saveUnlinked(t, s, "acme", base.Add(time.Second), "second")

	_, err := rb.Rebuild(ctx, rebuild.Options{Domain: "acme", BatchSize: 10})
	require.NoError(t, err)

	gotA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := s.Get(ctx, b.ID)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, gotA.ConversationID)
	assert.NotEqual(t, uuid.Nil, gotB.ConversationID)
	assert.NotEqual(t, gotA.ConversationID, gotB.ConversationID, "two single-message requests with no shared history link as separate conversations")
}

func TestRebuild_ReportsFieldChangeCounts(t *testing.T) {
	rb, s := newRebuilder(t)
	ctx := context.Background()

	saveUnlinked(t, s, "acme", time.Now(), "hello")

	summary, err := rb.Rebuild(ctx, rebuild.Options{Domain: "acme", BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, summary.Batches, 1)
	assert.Equal(t, 1, summary.Batches[0].Changes.ConversationID, "a freshly-unlinked request assigned a new conversation id counts as a change")
	assert.Equal(t, 1, summary.Batches[0].Changes.BranchID)
}

func TestRebuild_CancellationStopsAtBatchBoundary(t *testing.T) {
	rb, s := newRebuilder(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		saveUnlinked(t, s, "acme", base.Add(time.Duration(i)*time.Second), "msg")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := rb.Rebuild(ctx, rebuild.Options{Domain: "acme", BatchSize: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.RequestsLinked, "an already-cancelled context must stop before the first batch")
}

func TestRebuild_EmptyDomainProducesEmptySummary(t *testing.T) {
	rb, _ := newRebuilder(t)
	summary, err := rb.Rebuild(context.Background(), rebuild.Options{Domain: "ghost", BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.RequestsLinked)
	assert.Empty(t, summary.Batches)
	assert.False(t, summary.IntegrityWarned)
}

// TestRebuild_ReproducesFanOutLinkageIdempotently re-links an
// already-saved fan-out (root, first child inheriting main, second child
// forking) and asserts the rebuild leaves every branch assignment exactly
// as intake produced it, per the idempotence invariant (§8): a rebuild
// re-linking already-persisted rows must not count a child's own row, or
// a later sibling's, as an earlier child of its parent.
func TestRebuild_ReproducesFanOutLinkageIdempotently(t *testing.T) {
	s := memstore.New()
	c, err := cache.NewLRU(64)
	require.NoError(t, err)
	res := resolver.New(s, c)
	lk := linker.New(s, res, nil)
	ctx := context.Background()
	base := time.Now()

	root := &model.Request{
		ID: uuid.New(), Domain: "acme", Timestamp: base,
		Messages:     []model.Message{{Role: model.RoleUser, Content: model.Content{IsText: true, Text: "hello"}}},
		ResponseBody: &model.ResponseBody{Content: []model.ContentPart{{Type: string(model.PartText), Text: "reply A"}}},
	}
	require.NoError(t, lk.Link(ctx, root))

	replayRootReply := model.Message{Role: model.RoleAssistant, Content: model.Content{Parts: []model.ContentPart{
		{Type: string(model.PartText), Text: "reply A"},
	}}}

	childA := &model.Request{
		ID: uuid.New(), Domain: "acme", Timestamp: base.Add(time.Second),
		Messages: []model.Message{
			{Role: model.RoleUser, Content: model.Content{IsText: true, Text: "hello"}},
			replayRootReply,
			{Role: model.RoleUser, Content: model.Content{IsText: true, Text: "follow up A"}},
		},
	}
	require.NoError(t, lk.Link(ctx, childA))
	require.Equal(t, branch.Main, childA.BranchID)

	childB := &model.Request{
		ID: uuid.New(), Domain: "acme", Timestamp: base.Add(2 * time.Second),
		Messages: []model.Message{
			{Role: model.RoleUser, Content: model.Content{IsText: true, Text: "hello"}},
			replayRootReply,
			{Role: model.RoleUser, Content: model.Content{IsText: true, Text: "follow up B"}},
		},
	}
	require.NoError(t, lk.Link(ctx, childB))
	require.NotEqual(t, branch.Main, childB.BranchID)

	rb := rebuild.New(s, lk, nil)
	_, err = rb.Rebuild(ctx, rebuild.Options{Domain: "acme", BatchSize: 1})
	require.NoError(t, err)

	gotRoot, err := s.Get(ctx, root.ID)
	require.NoError(t, err)
	gotA, err := s.Get(ctx, childA.ID)
	require.NoError(t, err)
	gotB, err := s.Get(ctx, childB.ID)
	require.NoError(t, err)

	assert.Equal(t, branch.Main, gotRoot.BranchID)
	assert.Equal(t, branch.Main, gotA.BranchID, "the earliest child must keep the inherited branch across a rebuild")
	assert.NotEqual(t, branch.Main, gotB.BranchID, "the later sibling must still fork across a rebuild")
	assert.Equal(t, childB.BranchID, gotB.BranchID, "rebuild must reproduce the exact same fork branch id")
}

// TestRebuild_DryRunDoesNotMutateStore verifies §4.7: a dry-run pass
// computes linkage but never calls Store.Save, so the backing store is
// untouched.
func TestRebuild_DryRunDoesNotMutateStore(t *testing.T) {
	rb, s := newRebuilder(t)
	ctx := context.Background()

	req := saveUnlinked(t, s, "acme", time.Now(), "hello")
	before, err := s.Get(ctx, req.ID)
	require.NoError(t, err)

	summary, err := rb.Rebuild(ctx, rebuild.Options{Domain: "acme", BatchSize: 10, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RequestsLinked)

	after, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ConversationID, after.ConversationID, "dry-run must not persist the computed conversation id")
	assert.Equal(t, before.BranchID, after.BranchID, "dry-run must not persist the computed branch id")
}
