package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/models"
)

type memStore struct {
	byMessage map[string]models.Feedback
}

func (m *memStore) InsertFeedback(_ context.Context, f *models.Feedback) error {
	if _, ok := m.byMessage[f.MessageID]; ok {
		return apperr.Newf(apperr.CodeConflict, "feedback for message %s already recorded", f.MessageID)
	}
	m.byMessage[f.MessageID] = *f
	return nil
}

var user = models.Actor{ID: "u1", Role: models.RoleUser}

func TestSubmit(t *testing.T) {
	store := &memStore{byMessage: map[string]models.Feedback{}}
	svc := NewService(store, nil)
	conf := 0.42

	f, err := svc.Submit(context.Background(), user, Input{
		ConversationID: "c1",
		MessageID:      "m1",
		Rating:         2,
		FeedbackTypes:  []models.FeedbackType{models.FeedbackHallucination, models.FeedbackHallucination},
		Question:       "Quel est le délai de préavis en cas de licenciement ?",
		RAGConfidence:  &conf,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "labor", f.Domain)
	assert.Equal(t, []models.FeedbackType{models.FeedbackHallucination}, f.FeedbackTypes)
	assert.True(t, f.Negative())
	assert.Equal(t, "u1", store.byMessage["m1"].ActorID)
}

func TestSubmitDuplicateMessageConflicts(t *testing.T) {
	store := &memStore{byMessage: map[string]models.Feedback{}}
	svc := NewService(store, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, user, Input{ConversationID: "c1", MessageID: "m1", Rating: 5})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, user, Input{ConversationID: "c1", MessageID: "m1", Rating: 1, Comment: "changed my mind"})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
	assert.Equal(t, 5, store.byMessage["m1"].Rating)
	assert.Empty(t, store.byMessage["m1"].Comment)
}

func TestSubmitValidation(t *testing.T) {
	svc := NewService(&memStore{byMessage: map[string]models.Feedback{}}, nil)
	bad := 1.5
	neg := int64(-1)

	tests := []struct {
		name string
		in   Input
	}{
		{"missing message", Input{ConversationID: "c", Rating: 3}},
		{"blank conversation", Input{ConversationID: "  ", MessageID: "m", Rating: 3}},
		{"rating too low", Input{ConversationID: "c", MessageID: "m", Rating: 0}},
		{"rating too high", Input{ConversationID: "c", MessageID: "m", Rating: 6}},
		{"unknown type", Input{ConversationID: "c", MessageID: "m", Rating: 3, FeedbackTypes: []models.FeedbackType{"spam"}}},
		{"confidence above one", Input{ConversationID: "c", MessageID: "m", Rating: 3, RAGConfidence: &bad}},
		{"negative response time", Input{ConversationID: "c", MessageID: "m", Rating: 3, ResponseTimeMs: &neg}},
		{"unknown domain", Input{ConversationID: "c", MessageID: "m", Rating: 3, Domain: "maritime"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), user, tt.in)
			assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest), "got %v", err)
		})
	}
}
