package models

import "time"

// GapStatus is the lifecycle state of a knowledge gap
type GapStatus string

const (
	GapActive   GapStatus = "active"
	GapResolved GapStatus = "resolved"
	GapIgnored  GapStatus = "ignored"
)

// KnowledgeGap is a topic the knowledge base does not cover well
type KnowledgeGap struct {
	ID                    string     `json:"id"`
	Topic                 string     `json:"topic"`
	TopicKey              string     `json:"topic_key"`
	Domain                string     `json:"domain"`
	Keywords              []string   `json:"keywords"`
	SampleQueries         []string   `json:"sample_queries"`
	OccurrenceCount       int        `json:"occurrence_count"`
	NegativeFeedbackCount int        `json:"negative_feedback_count"`
	AvgRating             *float64   `json:"avg_rating,omitempty"`
	PriorityScore         float64    `json:"priority_score"`
	Status                GapStatus  `json:"status"`
	FirstSeenAt           time.Time  `json:"first_seen_at"`
	LastSeenAt            time.Time  `json:"last_seen_at"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	LastAlertedAt         *time.Time `json:"last_alerted_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// FeedbackType flags what was wrong with an answer
type FeedbackType string

const (
	FeedbackHallucination FeedbackType = "hallucination"
	FeedbackMissingInfo   FeedbackType = "missing_info"
	FeedbackIrrelevant    FeedbackType = "irrelevant"
	FeedbackOther         FeedbackType = "other"
)

// Feedback is an immutable user rating of one answer
type Feedback struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Rating         int            `json:"rating"`
	FeedbackTypes  []FeedbackType `json:"feedback_type,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	Question       string         `json:"question,omitempty"`
	RAGConfidence  *float64       `json:"rag_confidence,omitempty"`
	ResponseTimeMs *int64         `json:"response_time_ms,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Negative reports whether the feedback signals a knowledge gap
func (f *Feedback) Negative() bool {
	if f.Rating <= 2 {
		return true
	}
	for _, t := range f.FeedbackTypes {
		if t == FeedbackHallucination {
			return true
		}
	}
	return false
}
