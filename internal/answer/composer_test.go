package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/llm"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/search"
)

type fakeSearcher struct {
	resp   *search.Response
	err    error
	calls  int
	logged []bool
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (*search.Response, error) {
	f.calls++
	if !req.NoLog {
		panic("answer path must log after the gate")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeSearcher) Log(_ search.Request, _ *search.Response, abstained bool) {
	f.logged = append(f.logged, abstained)
}

// passRanker uses similarity as the rerank score
type passRanker struct{}

func (passRanker) Rerank(_ context.Context, _ string, c []models.SearchResult, topN int) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(c))
	for _, r := range c {
		r.RerankScore = r.Similarity
		out = append(out, r)
	}
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

type fakeGenerator struct {
	deltas []string
	err    error
	calls  int
	last   llm.Request
}

func (f *fakeGenerator) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	return llm.Completion{Text: strings.Join(f.deltas, ""), Provider: "fake", Model: "fake-1"}, nil
}

func (f *fakeGenerator) Stream(_ context.Context, req llm.Request, onDelta llm.DeltaFunc) (llm.Completion, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return llm.Completion{}, err
		}
	}
	return llm.Completion{Text: strings.Join(f.deltas, ""), Provider: "fake", Model: "fake-1"}, nil
}

func result(doc string, sim float64) models.SearchResult {
	return models.SearchResult{
		ChunkID: doc + "-0", DocumentID: doc, Title: "Titre " + doc,
		Content: "Le délai de prescription est de trois ans.", Similarity: sim, HasVector: true,
	}
}

func newTestComposer(s Searcher, g Generator) *Composer {
	cfg := config.Default()
	cb := &ContextBuilder{Budget: cfg.Answer.ContextTokenBudget, MaxSources: cfg.Answer.MaxSources, Count: ApproxTokens}
	return NewComposer(s, passRanker{}, g, NewGate(cfg.Gate), cb, OptionsFrom(cfg), nil, nil)
}

func TestAnswerOutOfDomainAbstainsWithoutLLM(t *testing.T) {
	s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.12), result("d2", 0.08)}}}
	g := &fakeGenerator{deltas: []string{"invented"}}
	c := newTestComposer(s, g)

	ans, err := c.Answer(context.Background(), Request{Question: "Quelle est la meilleure recette de couscous ?"})
	require.NoError(t, err)
	assert.True(t, ans.Abstained)
	assert.Equal(t, AbstentionMessage(models.LangFrench), ans.Answer)
	assert.Empty(t, ans.Sources)
	assert.Zero(t, g.calls)
	assert.Equal(t, []bool{true}, s.logged)
}

func TestAnswerStripsUnknownCitations(t *testing.T) {
	s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.82), result("d2", 0.71)}}}
	g := &fakeGenerator{deltas: []string{"Le délai est de trois ans [Source-1], voir aussi [Source-7]."}}
	c := newTestComposer(s, g)

	ans, err := c.Answer(context.Background(), Request{Question: "Quel est le délai de prescription ?", Stance: models.StanceDefense})
	require.NoError(t, err)
	assert.False(t, ans.Abstained)
	assert.Equal(t, "Le délai est de trois ans [Source-1], voir aussi .", ans.Answer)
	assert.Equal(t, []string{"[Source-7]"}, ans.RemovedCitations)
	require.Len(t, ans.Sources, 2)
	assert.Equal(t, "d1", ans.Sources[0].DocumentID)
	assert.Greater(t, ans.Confidence, 0.0)
	assert.Equal(t, "fake", ans.Provider)
	assert.Equal(t, []bool{false}, s.logged)

	assert.Contains(t, g.last.System, "defence counsel")
	require.NotEmpty(t, g.last.Messages)
	assert.Contains(t, g.last.Messages[len(g.last.Messages)-1].Content, "[Source-2] Titre d2")
}

func TestAnswerOutagesAreErrors(t *testing.T) {
	good := &search.Response{Results: []models.SearchResult{result("d1", 0.9)}}

	t.Run("search", func(t *testing.T) {
		s := &fakeSearcher{err: apperr.New(apperr.CodeSearchUnavailable, "both retrieval paths failed")}
		g := &fakeGenerator{}
		_, err := newTestComposer(s, g).Answer(context.Background(), Request{Question: "عقد بيع"})
		assert.True(t, apperr.Is(err, apperr.CodeSearchUnavailable))
		assert.Zero(t, g.calls)
	})

	t.Run("providers", func(t *testing.T) {
		s := &fakeSearcher{resp: good}
		g := &fakeGenerator{err: apperr.New(apperr.CodeProviderUnavailable, "all llm providers failed")}
		ans, err := newTestComposer(s, g).Answer(context.Background(), Request{Question: "عقد بيع"})
		assert.Nil(t, ans)
		assert.True(t, apperr.Is(err, apperr.CodeProviderUnavailable))
	})

	t.Run("budget", func(t *testing.T) {
		s := &fakeSearcher{resp: good}
		g := &fakeGenerator{err: context.DeadlineExceeded}
		_, err := newTestComposer(s, g).Answer(context.Background(), Request{Question: "عقد بيع"})
		assert.True(t, apperr.Is(err, apperr.CodeProviderUnavailable))
	})
}

func TestAnswerValidation(t *testing.T) {
	s := &fakeSearcher{}
	c := newTestComposer(s, &fakeGenerator{})

	for _, req := range []Request{
		{Question: "   "},
		{Question: strings.Repeat("a", search.MaxQueryLength+1)},
		{Question: "ok", Stance: "aggressive"},
		{Question: "ok", Language: "en"},
	} {
		_, err := c.Answer(context.Background(), req)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest), "%+v", req)
	}
	assert.Zero(t, s.calls)
}

func collect(events *[]models.StreamEvent) func(models.StreamEvent) error {
	return func(e models.StreamEvent) error {
		*events = append(*events, e)
		return nil
	}
}

func types(events []models.StreamEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestStreamEventOrder(t *testing.T) {
	s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.82)}}}
	g := &fakeGenerator{deltas: []string{"Selon [Sour", "ce-1] le contrat", " [Source-9] est nul."}}
	c := newTestComposer(s, g)

	var events []models.StreamEvent
	require.NoError(t, c.Stream(context.Background(), Request{Question: "Le contrat est-il nul ?"}, collect(&events)))

	ts := types(events)
	require.GreaterOrEqual(t, len(ts), 4)
	assert.Equal(t, models.EventProgress, ts[0])
	assert.Equal(t, models.EventMetadata, ts[1])
	assert.Equal(t, models.EventDone, ts[len(ts)-1])

	var streamed strings.Builder
	for _, e := range events[2 : len(events)-1] {
		assert.Equal(t, models.EventChunk, e.Type)
		assert.NotContains(t, e.Text, "[Source-9]")
		streamed.WriteString(e.Text)
	}
	done := events[len(events)-1].Answer
	require.NotNil(t, done)
	assert.Equal(t, done.Answer, streamed.String())
	assert.Equal(t, []string{"[Source-9]"}, done.RemovedCitations)
	assert.Len(t, events[1].Sources, 1)
}

func TestStreamAbstentionGoesStraightToDone(t *testing.T) {
	s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.05)}}}
	g := &fakeGenerator{}
	var events []models.StreamEvent
	require.NoError(t, newTestComposer(s, g).Stream(context.Background(), Request{Question: "ما هو الطقس غدا"}, collect(&events)))

	assert.Equal(t, []models.EventType{models.EventProgress, models.EventDone}, types(events))
	assert.True(t, events[1].Answer.Abstained)
	assert.Equal(t, AbstentionMessage(models.LangArabic), events[1].Answer.Answer)
	assert.Zero(t, g.calls)
}

func TestStreamProviderFailureEmitsError(t *testing.T) {
	s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.82)}}}
	g := &fakeGenerator{err: apperr.New(apperr.CodeProviderUnavailable, "all llm providers failed")}
	var events []models.StreamEvent
	err := newTestComposer(s, g).Stream(context.Background(), Request{Question: "عقد بيع"}, collect(&events))
	require.Error(t, err)

	assert.Equal(t, []models.EventType{models.EventProgress, models.EventMetadata, models.EventError}, types(events))
	last := events[len(events)-1]
	assert.Equal(t, string(apperr.CodeProviderUnavailable), last.Code)
	assert.Equal(t, "service temporarily unavailable, please retry", last.Message)
}

func TestStreamStopsWhenClientLeaves(t *testing.T) {
	s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.82)}}}
	g := &fakeGenerator{deltas: []string{"un ", "deux ", "trois"}}
	gone := errors.New("client disconnected")

	var events []models.StreamEvent
	err := newTestComposer(s, g).Stream(context.Background(), Request{Question: "عقد بيع"}, func(e models.StreamEvent) error {
		if e.Type == models.EventChunk {
			return gone
		}
		events = append(events, e)
		return nil
	})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, []models.EventType{models.EventProgress, models.EventMetadata}, types(events))
}

func TestStreamAlwaysEmitsAChunk(t *testing.T) {
	for name, deltas := range map[string][]string{
		"empty completion": nil,
		"only unresolved":  {"[Sour", "ce-9]"},
	} {
		t.Run(name, func(t *testing.T) {
			s := &fakeSearcher{resp: &search.Response{Results: []models.SearchResult{result("d1", 0.82)}}}
			var events []models.StreamEvent
			err := newTestComposer(s, &fakeGenerator{deltas: deltas}).Stream(context.Background(),
				Request{Question: "Le contrat est-il nul ?"}, collect(&events))
			require.NoError(t, err)

			assert.Equal(t, []models.EventType{
				models.EventProgress, models.EventMetadata, models.EventChunk, models.EventDone,
			}, types(events))
			assert.Equal(t, events[3].Answer.Answer, events[2].Text)
		})
	}
}
