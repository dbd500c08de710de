// Package triage turns failed runs into operator-facing error reports and
// walks them through their review lifecycle.
package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// Service records and manages error reports.
type Service struct {
	store storage.Gateway
	log   zerolog.Logger
}

func New(store storage.Gateway) *Service {
	return &Service{store: store, log: logging.WithComponent("triage")}
}

// Capture files a report for a failed run. Technical carries the raw error
// plus whatever snapshots the caller considers useful.
func (s *Service) Capture(ctx context.Context, run *model.FlowRun, nodeID string, err error, technical map[string]interface{}) (*model.ErrorReport, error) {
	now := time.Now().UTC()
	report := &model.ErrorReport{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		FlowID:    run.FlowID,
		FlowName:  run.FlowName,
		NodeID:    nodeID,
		Kind:      string(fault.KindOf(err)),
		Summary:   summarize(err),
		Technical: technical,
		Status:    model.ReportNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if createErr := s.store.CreateReport(ctx, report); createErr != nil {
		s.log.Error().Err(createErr).Str("run_id", run.ID).Msg("failed to file error report")
		return nil, createErr
	}
	s.log.Info().
		Str("report_id", report.ID).
		Str("flow_id", report.FlowID).
		Str("node_id", nodeID).
		Str("kind", report.Kind).
		Msg("error report filed")
	return report, nil
}

// summarize keeps the operator line readable; the full chain stays in
// Technical.
func summarize(err error) string {
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}

func (s *Service) Get(ctx context.Context, id string) (*model.ErrorReport, error) {
	return s.store.GetReport(ctx, id)
}

func (s *Service) List(ctx context.Context, status model.ReportStatus, limit int) ([]*model.ErrorReport, error) {
	return s.store.ListReports(ctx, status, limit)
}

// SetStatus applies one triage move, rejecting transitions the lifecycle
// does not allow.
func (s *Service) SetStatus(ctx context.Context, id string, to model.ReportStatus) (*model.ErrorReport, error) {
	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := report.Transition(to); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	if err := s.store.UpdateReport(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}
