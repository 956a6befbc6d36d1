package models

import "time"

// Stage is a document pipeline stage
type Stage string

const (
	StageDiscovered      Stage = "discovered"
	StageClassified      Stage = "classified"
	StageQualityScored   Stage = "quality_scored"
	StageChunkedEmbedded Stage = "chunked_embedded"
	StagePendingReview   Stage = "pending_review"
	StageApproved        Stage = "approved"
	StageRejected        Stage = "rejected"
)

// StageOrder is the forward order of the pipeline; rejected sits outside it
var StageOrder = []Stage{
	StageDiscovered,
	StageClassified,
	StageQualityScored,
	StageChunkedEmbedded,
	StagePendingReview,
	StageApproved,
}

// Index returns the position of s in StageOrder, or -1
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool {
	return s == StageRejected || s.Index() >= 0
}

func (s Stage) Terminal() bool {
	return s == StageApproved || s == StageRejected
}

// Next returns the stage following s in the forward order
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// PipelineExecutionRecord is one append-only audit entry
type PipelineExecutionRecord struct {
	ID            int64     `json:"id"`
	DocumentID    string    `json:"document_id"`
	FromStage     Stage     `json:"from_stage"`
	ToStage       Stage     `json:"to_stage"`
	ActorID       string    `json:"actor_id"`
	Notes         string    `json:"notes,omitempty"`
	SkippedStages []Stage   `json:"skipped_stages,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
