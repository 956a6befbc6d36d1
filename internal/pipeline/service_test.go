package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/models"
)

const lawText = `Loi n° 2016-36 du 29 avril 2016, relative aux procédures collectives.

Article premier - La présente loi a pour objet de permettre l'aide aux entreprises qui connaissent des difficultés économiques afin de poursuivre leurs activités.

Article 2 - Les procédures de sauvetage s'appliquent aux entreprises commerciales et artisanales ainsi qu'aux sociétés civiles exerçant une activité commerciale.

Article 3 - Les dispositions de la loi n° 2005-96 relative au renforcement de la sécurité des relations financières restent applicables aux établissements de crédit.`

var (
	admin      = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	superAdmin = models.Actor{ID: "root-1", Role: models.RoleSuperAdmin}
	editor     = models.Actor{ID: "user-1", Role: models.RoleUser}
)

type fakeEmbedder struct {
	mu    sync.Mutex
	dim   int
	out   int
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	n := f.dim
	if f.out > 0 {
		n = f.out
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = float32(len(text)%7+i) / 10
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }
func (f *fakeEmbedder) Name() string   { return "fake" }

func (f *fakeEmbedder) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testEnv struct {
	svc   *Service
	store *memStore
	emb   *fakeEmbedder
	clock time.Time
}

func newTestEnv(mutate ...func(*config.PipelineConfig)) *testEnv {
	cfg := config.Default().Pipeline
	for _, m := range mutate {
		m(&cfg)
	}
	env := &testEnv{
		store: newMemStore(),
		emb:   &fakeEmbedder{dim: 4},
		clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(env.store, env.emb, cfg, 2, nil, nil)
	env.svc.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) create(t testing.TB, title string) *models.Document {
	doc, err := e.svc.CreateDocument(context.Background(), admin, NewDocument{Title: title, FullText: lawText})
	require.NoError(t, err)
	return doc
}

func (e *testEnv) advanceTo(t testing.TB, id string, stage models.Stage) *models.Document {
	ctx := context.Background()
	doc, err := e.svc.GetDocument(ctx, id)
	require.NoError(t, err)
	for doc.PipelineStage != stage {
		doc, err = e.svc.AdvanceStage(ctx, admin, id, Options{})
		require.NoError(t, err)
	}
	return doc
}

func TestCreateDocument(t *testing.T) {
	env := newTestEnv()
	doc := env.create(t, "Loi n° 2016-36 relative aux procédures collectives")

	assert.Equal(t, models.StageDiscovered, doc.PipelineStage)
	assert.False(t, doc.IsActive)
	assert.False(t, doc.Retrievable())

	hist, err := env.svc.History(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, admin.ID, hist[0].ActorID)

	_, err = env.svc.CreateDocument(context.Background(), admin, NewDocument{Title: " ", FullText: lawText})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))

	_, err = env.svc.CreateDocument(context.Background(), models.Actor{}, NewDocument{Title: "x", FullText: "y"})
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))
}

func TestAdvanceThroughPipeline(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	cited, err := env.svc.CreateDocument(ctx, admin, NewDocument{
		Title:    "Loi n° 2005-96 du 18 octobre 2005 relative au renforcement de la sécurité des relations financières",
		FullText: lawText,
	})
	require.NoError(t, err)
	doc := env.create(t, "Loi n° 2016-36 relative aux procédures collectives")

	doc, err = env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageClassified, doc.PipelineStage)
	assert.Equal(t, "legislation", doc.Category)
	assert.Equal(t, models.LangFrench, doc.Language)

	doc, err = env.svc.AdvanceStage(ctx, admin, doc.ID, Options{ExpectedStage: models.StageClassified})
	require.NoError(t, err)
	assert.Equal(t, models.StageQualityScored, doc.PipelineStage)
	require.NotNil(t, doc.QualityScore)

	doc, err = env.svc.AdvanceStage(ctx, admin, doc.ID, Options{ExpectedVersion: doc.Version})
	require.NoError(t, err)
	assert.Equal(t, models.StageChunkedEmbedded, doc.PipelineStage)
	assert.True(t, doc.IsIndexed)
	assert.Greater(t, doc.ChunkCount, 0)
	assert.Equal(t, doc.ChunkCount, env.store.chunkCount(doc.ID))
	assert.False(t, doc.IsActive)

	var linked bool
	for _, rel := range env.store.relations {
		if rel.SourceID == doc.ID && rel.TargetID == cited.ID && rel.Type == models.RelationCitation {
			linked = true
		}
	}
	assert.True(t, linked, "citation of loi n° 2005-96 should be linked")

	doc = env.advanceTo(t, doc.ID, models.StageApproved)
	assert.True(t, doc.IsActive)
	assert.True(t, doc.Retrievable())

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, hist, 6)
	for i := 1; i < len(hist); i++ {
		assert.Equal(t, models.StageOrder[i-1], hist[i].FromStage)
		assert.Equal(t, models.StageOrder[i], hist[i].ToStage)
		assert.Empty(t, hist[i].SkippedStages)
	}
}

func TestAdvanceFromTerminalStage(t *testing.T) {
	env := newTestEnv()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageApproved)

	_, err := env.svc.AdvanceStage(context.Background(), admin, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
}

func TestApprovalRequiresAdmin(t *testing.T) {
	env := newTestEnv()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StagePendingReview)

	_, err := env.svc.AdvanceStage(context.Background(), editor, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	got, err := env.svc.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePendingReview, got.PipelineStage)
}

func TestStaleExpectations(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")

	_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{ExpectedVersion: doc.Version + 1})
	assert.True(t, apperr.Is(err, apperr.CodeStaleVersion))

	_, err = env.svc.AdvanceStage(ctx, admin, doc.ID, Options{ExpectedStage: models.StageClassified})
	assert.True(t, apperr.Is(err, apperr.CodeStaleVersion))

	_, err = env.svc.AdvanceStage(ctx, admin, "missing", Options{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestAdvanceWithoutQualityScore(t *testing.T) {
	env := newTestEnv()
	env.store.put(models.Document{
		ID:            "doc-1",
		Title:         "Loi n° 2016-36",
		FullText:      lawText,
		Category:      "legislation",
		PipelineStage: models.StageQualityScored,
		Version:       3,
	})

	_, err := env.svc.AdvanceStage(context.Background(), admin, "doc-1", Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, 0, env.emb.calls)
}

func TestAdvanceToStage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")

	_, err := env.svc.AdvanceToStage(ctx, admin, doc.ID, models.StagePendingReview, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = env.svc.AdvanceToStage(ctx, superAdmin, doc.ID, models.StageRejected, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = env.svc.AdvanceToStage(ctx, superAdmin, doc.ID, models.StageDiscovered, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	doc, err = env.svc.AdvanceToStage(ctx, superAdmin, doc.ID, models.StagePendingReview, Options{Notes: "fast track"})
	require.NoError(t, err)
	assert.Equal(t, models.StagePendingReview, doc.PipelineStage)
	assert.NotNil(t, doc.QualityScore)
	assert.Greater(t, doc.ChunkCount, 0)

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, models.StageDiscovered, last.FromStage)
	assert.Equal(t, models.StagePendingReview, last.ToStage)
	assert.Equal(t, []models.Stage{models.StageClassified, models.StageQualityScored, models.StageChunkedEmbedded}, last.SkippedStages)
	assert.Equal(t, "fast track", last.Notes)

	doc, err = env.svc.AdvanceToStage(ctx, superAdmin, doc.ID, models.StageClassified, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageClassified, doc.PipelineStage)
	assert.Nil(t, doc.QualityScore)
	assert.Equal(t, 0, doc.ChunkCount)
	assert.False(t, doc.IsIndexed)
	assert.Equal(t, 0, env.store.chunkCount(doc.ID))

	hist, err = env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{models.StageChunkedEmbedded, models.StageQualityScored}, hist[len(hist)-1].SkippedStages)
}

func TestEmbedFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageQualityScored)

	outage := errors.New("connection refused")
	env.emb.fail(outage)

	_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, outage)

	got, err := env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageQualityScored, got.PipelineStage)
	assert.Equal(t, 1, got.EmbedAttempts)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, env.clock.Add(time.Minute), *got.NextRetryAt)
	assert.Contains(t, got.LastError, "connection refused")

	_, err = env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	require.Error(t, err)
	got, err = env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EmbedAttempts)
	assert.Equal(t, env.clock.Add(2*time.Minute), *got.NextRetryAt)
	assert.Equal(t, 0, env.store.chunkCount(doc.ID))
}

func TestEmbedFailureCapRejects(t *testing.T) {
	env := newTestEnv(func(c *config.PipelineConfig) { c.MaxEmbedAttempts = 2 })
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageQualityScored)
	env.emb.fail(errors.New("timeout"))

	for i := 0; i < 2; i++ {
		_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
		require.Error(t, err)
	}

	got, err := env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, got.PipelineStage)
	assert.True(t, strings.HasPrefix(got.RejectionReason, "automated:"))
	assert.NotNil(t, got.DeletedAt)
	assert.Nil(t, got.NextRetryAt)

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, models.SystemActorID, last.ActorID)
	assert.Equal(t, models.StageRejected, last.ToStage)
}

func TestDimensionMismatchRejectsImmediately(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageQualityScored)
	env.emb.out = 3

	_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeDimensionMismatch))

	got, err := env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, got.PipelineStage)
	assert.Equal(t, 1, got.EmbedAttempts)
	assert.Contains(t, got.RejectionReason, "dimension mismatch")
	assert.Equal(t, 0, env.store.chunkCount(doc.ID))
}

func TestRetrySweep(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageQualityScored)
	env.emb.fail(errors.New("unavailable"))
	_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	require.Error(t, err)
	env.emb.fail(nil)

	res, err := env.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	env.clock = env.clock.Add(2 * time.Minute)
	res, err = env.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Succeeded: 1}, res)

	got, err := env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageChunkedEmbedded, got.PipelineStage)
	assert.Equal(t, 0, got.EmbedAttempts)
	assert.Nil(t, got.NextRetryAt)

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SystemActorID, hist[len(hist)-1].ActorID)
}

func TestRejectIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")

	_, err := env.svc.Reject(ctx, admin, doc.ID, "  ", Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))

	got, err := env.svc.Reject(ctx, admin, doc.ID, "duplicate of an existing text", Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, got.PipelineStage)
	assert.NotNil(t, got.DeletedAt)
	assert.Equal(t, "duplicate of an existing text", got.RejectionReason)

	again, err := env.svc.Reject(ctx, admin, doc.ID, "second time", Options{})
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
	assert.Equal(t, "duplicate of an existing text", again.RejectionReason)

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestRejectApprovedRequiresReopen(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageApproved)

	_, err := env.svc.Reject(ctx, admin, doc.ID, "outdated", Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = env.svc.Reopen(ctx, editor, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	reopened, err := env.svc.Reopen(ctx, admin, doc.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StagePendingReview, reopened.PipelineStage)
	assert.False(t, reopened.IsActive)
	assert.Greater(t, reopened.ChunkCount, 0)

	rejected, err := env.svc.Reject(ctx, admin, doc.ID, "outdated", Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, rejected.PipelineStage)
}

func TestBulkReject(t *testing.T) {
	env := newTestEnv(func(c *config.PipelineConfig) { c.BulkLimit = 3 })
	ctx := context.Background()
	a := env.create(t, "Loi n° 2016-36")
	b := env.create(t, "Loi n° 2017-58")

	res, err := env.svc.BulkReject(ctx, admin, []string{a.ID, b.ID, a.ID, "missing"}, "crawler noise")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 3)
	assert.Equal(t, string(apperr.CodeNotFound), res.Items[2].Code)

	before := len(env.store.records)
	res, err = env.svc.BulkReject(ctx, admin, []string{a.ID, b.ID}, "crawler noise")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.True(t, res.Items[0].Unchanged)
	assert.True(t, res.Items[1].Unchanged)
	assert.Len(t, env.store.records, before)

	_, err = env.svc.BulkReject(ctx, admin, []string{"1", "2", "3", "4"}, "too many")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))

	_, err = env.svc.BulkReject(ctx, admin, nil, "nothing")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
}

func TestBulkRejectStopsOnCancel(t *testing.T) {
	env := newTestEnv()
	a := env.create(t, "Loi n° 2016-36")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.svc.BulkReject(ctx, admin, []string{a.ID}, "noise")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := env.svc.GetDocument(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDiscovered, got.PipelineStage)
}

func TestEditResetsToClassified(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageChunkedEmbedded)

	sameTitle := "Loi n° 2016-36"
	unchanged, err := env.svc.EditDocumentAtStage(ctx, admin, doc.ID, Edit{Title: &sameTitle}, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageChunkedEmbedded, unchanged.PipelineStage)

	domain := "commercial"
	tagged, err := env.svc.EditDocumentAtStage(ctx, admin, doc.ID, Edit{Domain: &domain}, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageChunkedEmbedded, tagged.PipelineStage)
	assert.Equal(t, "commercial", tagged.Domain)

	text := lawText + "\n\nArticle 4 - La présente loi entre en vigueur à compter de sa publication au Journal officiel."
	edited, err := env.svc.EditDocumentAtStage(ctx, admin, doc.ID, Edit{FullText: &text}, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageClassified, edited.PipelineStage)
	assert.Nil(t, edited.QualityScore)
	assert.Equal(t, 0, edited.ChunkCount)
	assert.False(t, edited.IsIndexed)
	assert.Equal(t, 0, env.store.chunkCount(doc.ID))

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, models.StageChunkedEmbedded, last.FromStage)
	assert.Equal(t, models.StageClassified, last.ToStage)

	env.advanceTo(t, doc.ID, models.StageApproved)
	_, err = env.svc.EditDocumentAtStage(ctx, admin, doc.ID, Edit{Domain: &domain}, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	empty := ""
	_, err = env.svc.EditDocumentAtStage(ctx, admin, doc.ID, Edit{FullText: &empty}, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
}

func TestResubmit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageChunkedEmbedded)

	_, err := env.svc.Resubmit(ctx, admin, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = env.svc.Reject(ctx, admin, doc.ID, "wrong source", Options{})
	require.NoError(t, err)
	assert.Greater(t, env.store.chunkCount(doc.ID), 0)

	got, err := env.svc.Resubmit(ctx, admin, doc.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StageDiscovered, got.PipelineStage)
	assert.Nil(t, got.DeletedAt)
	assert.Empty(t, got.RejectionReason)
	assert.Nil(t, got.QualityScore)
	assert.Equal(t, 0, got.ChunkCount)
	assert.Equal(t, 0, env.store.chunkCount(doc.ID))

	env.advanceTo(t, doc.ID, models.StageApproved)
}

// TestPipelineStateMachine drives random operation sequences and checks the document
// invariants after every step.
func TestPipelineStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv()
		ctx := context.Background()
		doc, err := env.svc.CreateDocument(ctx, admin, NewDocument{Title: "Loi n° 2016-36", FullText: lawText})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		records := 1
		version := doc.Version

		ops := []string{"advance", "jump", "reject", "reopen", "resubmit", "edit"}
		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			var res *models.Document
			switch rapid.SampledFrom(ops).Draw(t, "op") {
			case "advance":
				res, err = env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
			case "jump":
				target := rapid.SampledFrom(models.StageOrder).Draw(t, "target")
				res, err = env.svc.AdvanceToStage(ctx, superAdmin, doc.ID, target, Options{})
			case "reject":
				res, err = env.svc.Reject(ctx, admin, doc.ID, "noise", Options{})
			case "reopen":
				res, err = env.svc.Reopen(ctx, admin, doc.ID, Options{})
			case "resubmit":
				res, err = env.svc.Resubmit(ctx, admin, doc.ID, Options{})
			case "edit":
				text := lawText + "\n\nArticle 9 - Révision " + rapid.StringMatching(`[a-z]{3,8}`).Draw(t, "word")
				res, err = env.svc.EditDocumentAtStage(ctx, admin, doc.ID, Edit{FullText: &text}, Options{})
			}
			if err != nil && !apperr.Is(err, apperr.CodeInvalidTransition) {
				t.Fatalf("unexpected error: %v", err)
			}

			cur, gerr := env.svc.GetDocument(ctx, doc.ID)
			if gerr != nil {
				t.Fatalf("get: %v", gerr)
			}
			if res != nil && cur.Version != version {
				records++
			}
			if cur.Version < version {
				t.Fatalf("version went backwards: %d < %d", cur.Version, version)
			}
			version = cur.Version

			hist, _ := env.svc.History(ctx, doc.ID)
			if len(hist) != records {
				t.Fatalf("expected %d records, got %d", records, len(hist))
			}
			checkInvariants(t, cur, env.store.chunkCount(doc.ID))
		}
	})
}

func checkInvariants(t *rapid.T, d *models.Document, stored int) {
	if !d.PipelineStage.Valid() {
		t.Fatalf("invalid stage %q", d.PipelineStage)
	}
	if d.IsActive != (d.PipelineStage == models.StageApproved) {
		t.Fatalf("is_active=%v at stage %s", d.IsActive, d.PipelineStage)
	}
	if d.ChunkCount != stored {
		t.Fatalf("chunk_count %d but %d chunks stored", d.ChunkCount, stored)
	}
	if d.PipelineStage == models.StageRejected {
		if d.DeletedAt == nil || d.RejectionReason == "" {
			t.Fatalf("rejected document without soft delete or reason")
		}
		return
	}
	if d.DeletedAt != nil {
		t.Fatalf("deleted_at set at stage %s", d.PipelineStage)
	}
	idx := d.PipelineStage.Index()
	if idx < models.StageChunkedEmbedded.Index() && d.ChunkCount != 0 {
		t.Fatalf("%d chunks at stage %s", d.ChunkCount, d.PipelineStage)
	}
	if idx >= models.StageChunkedEmbedded.Index() && (d.ChunkCount == 0 || !d.IsIndexed || d.QualityScore == nil) {
		t.Fatalf("stage %s without embedded chunks or score", d.PipelineStage)
	}
	if idx < models.StageQualityScored.Index() && d.QualityScore != nil {
		t.Fatalf("quality score at stage %s", d.PipelineStage)
	}
}

func TestTruncateError(t *testing.T) {
	long := "x" + strings.Repeat("خ", 300)
	got := truncateError(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxErrorLength)
	assert.Equal(t, maxErrorLength-1, len(got))

	assert.Equal(t, "délai dépassé", truncateError("délai dépassé"))
	assert.Equal(t, "ab", truncateError("a\xffb"))
}

func TestEmbedFailureKeepsValidUTF8(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageQualityScored)
	env.emb.fail(errors.New("x" + strings.Repeat("تعذر الاتصال بخدمة التضمين ", 40)))

	_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	require.Error(t, err)

	got, err := env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.LessOrEqual(t, len(got.LastError), maxErrorLength)
	assert.NotEmpty(t, got.LastError)
}

func TestBulkAdvance(t *testing.T) {
	env := newTestEnv(func(c *config.PipelineConfig) { c.BulkLimit = 4 })
	ctx := context.Background()
	fresh := env.create(t, "Loi n° 2016-36")
	review := env.create(t, "Loi n° 2017-58")
	env.advanceTo(t, review.ID, models.StagePendingReview)
	done := env.create(t, "Loi n° 2005-96")
	env.advanceTo(t, done.ID, models.StageApproved)

	res, err := env.svc.BulkAdvance(ctx, admin, []string{fresh.ID, review.ID, done.ID, "missing"}, "lot de mars")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Items, 4)
	assert.Equal(t, string(apperr.CodeInvalidTransition), res.Items[2].Code)
	assert.Equal(t, string(apperr.CodeNotFound), res.Items[3].Code)

	got, err := env.svc.GetDocument(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageClassified, got.PipelineStage)
	got, err = env.svc.GetDocument(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageApproved, got.PipelineStage)

	hist, err := env.svc.History(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "lot de mars", hist[len(hist)-1].Notes)

	res, err = env.svc.BulkAdvance(ctx, editor, []string{review.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	_, err = env.svc.BulkAdvance(ctx, admin, []string{"1", "2", "3", "4", "5"}, "")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
}

func TestBulkReclassify(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, a.ID, models.StageChunkedEmbedded)
	b := env.create(t, "Loi n° 2005-96")
	env.advanceTo(t, b.ID, models.StageApproved)

	_, err := env.svc.BulkReclassify(ctx, admin, []string{a.ID}, "  ", "")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest))

	res, err := env.svc.BulkReclassify(ctx, admin, []string{a.ID, b.ID}, "jurisprudence", "cassation")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.False(t, res.Items[0].Unchanged)
	assert.Equal(t, string(apperr.CodeInvalidTransition), res.Items[1].Code)

	got, err := env.svc.GetDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "jurisprudence", got.Category)
	assert.Equal(t, "cassation", got.Subcategory)
	assert.Equal(t, models.StageChunkedEmbedded, got.PipelineStage)

	hist, err := env.svc.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited: reclassified as jurisprudence", hist[len(hist)-1].Notes)

	before := len(env.store.records)
	res, err = env.svc.BulkReclassify(ctx, admin, []string{a.ID}, "jurisprudence", "cassation")
	require.NoError(t, err)
	assert.True(t, res.Items[0].Unchanged)
	assert.Len(t, env.store.records, before)
}

func TestReplayStage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")

	_, err := env.svc.ReplayStage(ctx, admin, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	embedded := env.advanceTo(t, doc.ID, models.StageChunkedEmbedded)
	_, err = env.svc.ReplayStage(ctx, editor, doc.ID, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	calls := env.emb.calls
	got, err := env.svc.ReplayStage(ctx, admin, doc.ID, Options{Notes: "new splitter"})
	require.NoError(t, err)
	assert.Equal(t, models.StageChunkedEmbedded, got.PipelineStage)
	assert.Equal(t, embedded.Version+1, got.Version)
	assert.Greater(t, env.emb.calls, calls)
	assert.Equal(t, got.ChunkCount, env.store.chunkCount(doc.ID))
	assert.Greater(t, got.ChunkCount, 0)

	hist, err := env.svc.History(ctx, doc.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, models.StageChunkedEmbedded, last.FromStage)
	assert.Equal(t, models.StageChunkedEmbedded, last.ToStage)
	assert.Equal(t, "replayed chunked_embedded: new splitter", last.Notes)

	_, err = env.svc.ReplayStage(ctx, admin, doc.ID, Options{ExpectedVersion: embedded.Version})
	assert.True(t, apperr.Is(err, apperr.CodeStaleVersion))
}

func TestAutoAdvance(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")

	res, err := env.svc.AutoAdvance(ctx, admin, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{
		models.StageClassified,
		models.StageQualityScored,
		models.StageChunkedEmbedded,
		models.StagePendingReview,
	}, res.Advanced)
	assert.Equal(t, models.StagePendingReview, res.StoppedAt)
	assert.Empty(t, res.Code)

	res, err = env.svc.AutoAdvance(ctx, admin, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Advanced)

	stuck := env.create(t, "Loi n° 2017-58")
	env.emb.fail(errors.New("unavailable"))
	res, err = env.svc.AutoAdvance(ctx, admin, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageQualityScored, res.StoppedAt)
	assert.Len(t, res.Advanced, 2)
	assert.NotEmpty(t, res.Code)
}

func TestRetrySweepAutoAdvance(t *testing.T) {
	env := newTestEnv(func(c *config.PipelineConfig) { c.AutoAdvance = true })
	ctx := context.Background()
	doc := env.create(t, "Loi n° 2016-36")
	env.advanceTo(t, doc.ID, models.StageQualityScored)
	env.emb.fail(errors.New("unavailable"))
	_, err := env.svc.AdvanceStage(ctx, admin, doc.ID, Options{})
	require.Error(t, err)
	env.emb.fail(nil)

	env.clock = env.clock.Add(2 * time.Minute)
	res, err := env.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Succeeded: 1}, res)

	got, err := env.svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePendingReview, got.PipelineStage)
	assert.False(t, got.IsActive)
}
