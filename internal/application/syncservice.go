package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// ErrClassificationAmbiguous matches any ambiguous-band refusal via
// errors.Is; use errors.As with *AmbiguousClassificationError for the
// supporting statistics.
var ErrClassificationAmbiguous = errors.New("batch classification ambiguous")

// AmbiguousClassificationError reports that the batch fell into the
// ambiguous overlap band. It is a required-decision signal, not a fault:
// the caller must re-run with an explicit decision.
type AmbiguousClassificationError struct {
	Classification model.Classification
}

func (e *AmbiguousClassificationError) Error() string {
	return fmt.Sprintf("batch classification ambiguous (%.1f%% overlap): caller decision required",
		e.Classification.OverlapPct)
}

func (e *AmbiguousClassificationError) Unwrap() error {
	return ErrClassificationAmbiguous
}

// SyncResult is the outcome of one sync run.
type SyncResult struct {
	SessionID      string
	Classification model.Classification
	Summary        Summary
}

// SyncService orchestrates one batch import: begin a session for the scope,
// obtain a valid token, fetch the batch, classify it against the active
// mirror, and apply it through the merger.
type SyncService struct {
	crm      driven.CRMClient
	records  driven.RecordStore
	sessions driven.SyncSessionStore
	manager  *TokenManager
	merger   *Merger
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncService creates a SyncService with all required dependencies.
func NewSyncService(
	crm driven.CRMClient,
	records driven.RecordStore,
	sessions driven.SyncSessionStore,
	manager *TokenManager,
	merger *Merger,
	logger *slog.Logger,
) *SyncService {
	return &SyncService{
		crm:      crm,
		records:  records,
		sessions: sessions,
		manager:  manager,
		merger:   merger,
		logger:   logger,
		now:      time.Now,
	}
}

// Run performs a sync for the scope, refusing the ambiguous classification
// band with an AmbiguousClassificationError.
func (s *SyncService) Run(ctx context.Context, scope, criteria string) (SyncResult, error) {
	return s.run(ctx, scope, criteria, false)
}

// RunForced performs a sync accepting whatever the classifier decides,
// including the ambiguous band. It is the explicit caller resolution path.
func (s *SyncService) RunForced(ctx context.Context, scope, criteria string) (SyncResult, error) {
	return s.run(ctx, scope, criteria, true)
}

func (s *SyncService) run(ctx context.Context, scope, criteria string, acceptAmbiguous bool) (SyncResult, error) {
	session := model.SyncSession{
		ID:        uuid.New().String(),
		Scope:     scope,
		Status:    model.SyncRunning,
		StartedAt: s.now(),
	}
	if err := s.sessions.Begin(ctx, session); err != nil {
		return SyncResult{}, fmt.Errorf("begin sync for scope %q: %w", scope, err)
	}

	result, err := s.execute(ctx, scope, criteria, acceptAmbiguous)
	result.SessionID = session.ID

	session.FinishedAt = s.now()
	session.Added = result.Summary.Added
	session.Updated = result.Summary.Updated
	session.Removed = result.Summary.Removed
	session.Anomalies = len(result.Summary.Anomalies)
	if err != nil {
		session.Status = model.SyncFailed
		session.Error = err.Error()
	} else {
		session.Status = model.SyncCompleted
	}
	if finishErr := s.sessions.Finish(ctx, session); finishErr != nil {
		s.logger.Error("finish sync session failed", "session_id", session.ID, "error", finishErr)
	}

	return result, err
}

func (s *SyncService) execute(ctx context.Context, scope, criteria string, acceptAmbiguous bool) (SyncResult, error) {
	token, err := s.manager.GetValidToken(ctx, false)
	if err != nil {
		return SyncResult{}, fmt.Errorf("obtain token: %w", err)
	}

	batch, err := s.crm.FetchBatch(ctx, token, criteria)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch batch for scope %q: %w", scope, err)
	}

	incomingIDs := make([]string, 0, len(batch))
	for _, rec := range batch {
		incomingIDs = append(incomingIDs, rec.ExternalID)
	}
	activeIDs, err := s.records.ActiveIDs(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load active ids: %w", err)
	}

	cls := Classify(incomingIDs, activeIDs)
	s.logger.Info("batch classified",
		"scope", scope,
		"type", cls.Type,
		"overlap_pct", cls.OverlapPct,
		"new", cls.TotalNew,
		"existing", cls.TotalExisting,
	)

	if cls.Type == model.ImportUserDecisionRequired && !acceptAmbiguous {
		return SyncResult{Classification: cls}, &AmbiguousClassificationError{Classification: cls}
	}

	summary, err := s.merger.ApplyBatch(ctx, batch, s.now())
	if err != nil {
		return SyncResult{Classification: cls}, fmt.Errorf("apply batch for scope %q: %w", scope, err)
	}

	return SyncResult{Classification: cls, Summary: summary}, nil
}
