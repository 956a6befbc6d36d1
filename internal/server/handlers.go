package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tn-legal-rag/internal/answer"
	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/feedback"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/pipeline"
	"tn-legal-rag/internal/search"
)

func (s *Server) actor(r *http.Request) models.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	healthy := true
	for _, hc := range s.deps.Health {
		if err := hc.Check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", hc.Name), zap.Error(err))
			checks[hc.Name] = "unavailable"
			healthy = false
			continue
		}
		checks[hc.Name] = "ok"
	}
	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, Response{
		Success:   healthy,
		Data:      map[string]any{"status": state, "checks": checks},
		Timestamp: time.Now().UTC(),
		RequestID: RequestIDFrom(r.Context()),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	resp, err := s.deps.Search.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, resp)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answer.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	ans, err := s.deps.Answers.Answer(r.Context(), req)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, ans)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var in feedback.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	fb, err := s.deps.Feedback.Submit(r.Context(), s.actor(r), in)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusCreated, fb)
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var in pipeline.NewDocument
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	doc, err := s.deps.Pipeline.CreateDocument(r.Context(), s.actor(r), in)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Pipeline.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, doc)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Pipeline.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	if records == nil {
		records = []models.PipelineExecutionRecord{}
	}
	writeSuccess(w, r, http.StatusOK, records)
}

// decodeOptional accepts an empty body for endpoints whose fields are all optional
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// transition runs one single-document pipeline operation and writes the document
func (s *Server) transition(w http.ResponseWriter, r *http.Request, dst any,
	op func(ctx context.Context, actor models.Actor, id string) (*models.Document, error)) {
	if err := decodeOptional(w, r, dst); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	doc, err := op(r.Context(), s.actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, doc)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.Options
	s.transition(w, r, &opts, func(ctx context.Context, actor models.Actor, id string) (*models.Document, error) {
		return s.deps.Pipeline.AdvanceStage(ctx, actor, id, opts)
	})
}

type advanceToRequest struct {
	pipeline.Options
	TargetStage models.Stage `json:"target_stage"`
}

func (s *Server) handleAdvanceTo(w http.ResponseWriter, r *http.Request) {
	var req advanceToRequest
	s.transition(w, r, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Document, error) {
		if req.TargetStage == "" {
			return nil, apperr.New(apperr.CodeInvalidRequest, "target_stage is required")
		}
		return s.deps.Pipeline.AdvanceToStage(ctx, actor, id, req.TargetStage, req.Options)
	})
}

type rejectRequest struct {
	pipeline.Options
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	s.transition(w, r, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Document, error) {
		return s.deps.Pipeline.Reject(ctx, actor, id, req.Reason, req.Options)
	})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.Options
	s.transition(w, r, &opts, func(ctx context.Context, actor models.Actor, id string) (*models.Document, error) {
		return s.deps.Pipeline.Resubmit(ctx, actor, id, opts)
	})
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.Options
	s.transition(w, r, &opts, func(ctx context.Context, actor models.Actor, id string) (*models.Document, error) {
		return s.deps.Pipeline.Reopen(ctx, actor, id, opts)
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.Options
	s.transition(w, r, &opts, func(ctx context.Context, actor models.Actor, id string) (*models.Document, error) {
		return s.deps.Pipeline.ReplayStage(ctx, actor, id, opts)
	})
}

func (s *Server) handleAutoAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Pipeline.AutoAdvance(r.Context(), s.actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, res)
}

type editRequest struct {
	pipeline.Edit
	ExpectedVersion int    `json:"expected_version,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	opts := pipeline.Options{ExpectedVersion: req.ExpectedVersion, Notes: req.Notes}
	doc, err := s.deps.Pipeline.EditDocumentAtStage(r.Context(), s.actor(r), r.PathValue("id"), req.Edit, opts)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, doc)
}

type bulkRejectRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Reason      string   `json:"reason"`
}

func (s *Server) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	var req bulkRejectRequest
	s.bulk(w, r, &req, func(ctx context.Context, actor models.Actor) (*pipeline.BulkResult, error) {
		return s.deps.Pipeline.BulkReject(ctx, actor, req.DocumentIDs, req.Reason)
	})
}

type bulkAdvanceRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Notes       string   `json:"notes,omitempty"`
}

func (s *Server) handleBulkAdvance(w http.ResponseWriter, r *http.Request) {
	var req bulkAdvanceRequest
	s.bulk(w, r, &req, func(ctx context.Context, actor models.Actor) (*pipeline.BulkResult, error) {
		return s.deps.Pipeline.BulkAdvance(ctx, actor, req.DocumentIDs, req.Notes)
	})
}

type bulkReclassifyRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory,omitempty"`
}

func (s *Server) handleBulkReclassify(w http.ResponseWriter, r *http.Request) {
	var req bulkReclassifyRequest
	s.bulk(w, r, &req, func(ctx context.Context, actor models.Actor) (*pipeline.BulkResult, error) {
		return s.deps.Pipeline.BulkReclassify(ctx, actor, req.DocumentIDs, req.Category, req.Subcategory)
	})
}

// bulk decodes a batch request and writes the per-document report
func (s *Server) bulk(w http.ResponseWriter, r *http.Request, dst any,
	op func(ctx context.Context, actor models.Actor) (*pipeline.BulkResult, error)) {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	res, err := op(r.Context(), s.actor(r))
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, res)
}

func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	status := models.GapStatus(r.URL.Query().Get("status"))
	gaps, err := s.deps.Gaps.List(r.Context(), status)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, gaps)
}

type gapStatusRequest struct {
	Status models.GapStatus `json:"status"`
}

func (s *Server) handleSetGapStatus(w http.ResponseWriter, r *http.Request) {
	var req gapStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	gap, err := s.deps.Gaps.SetStatus(r.Context(), s.actor(r), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, gap)
}
