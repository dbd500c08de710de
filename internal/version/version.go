// Package version keeps immutable snapshots of flow definitions with a
// draft → approved → deployed lifecycle. Deploying swaps the flow's live
// definition for the snapshot; rollback re-deploys whichever approved
// snapshot ran before the current one.
package version

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// PushRequest describes the snapshot being taken.
type PushRequest struct {
	ChangeType        model.ChangeType  `json:"changeType"`
	ChangeDescription string            `json:"changeDescription,omitempty"`
	Environment       model.Environment `json:"environment,omitempty"`
	CreatedBy         string            `json:"createdBy,omitempty"`
}

// Service drives the version lifecycle on top of the storage gateway.
type Service struct {
	store storage.Gateway
	bus   events.Emitter
	log   zerolog.Logger

	mu       sync.Mutex // serializes bump and deploy transitions
	onDeploy func(*model.Flow)
}

func New(store storage.Gateway, bus events.Emitter) *Service {
	return &Service{
		store: store,
		bus:   bus,
		log:   logging.WithComponent("version"),
	}
}

// OnDeploy registers a hook run after a deploy or rollback swaps the live
// definition. The server uses it to re-arm schedules and pollers.
func (s *Service) OnDeploy(fn func(*model.Flow)) { s.onDeploy = fn }

// Push snapshots the flow's current definition as a new draft version,
// bumping semver by the request's change type.
func (s *Service) Push(ctx context.Context, flowID string, req PushRequest) (*model.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	change := req.ChangeType
	if change == "" {
		change = model.ChangePatch
	}
	current, err := s.latestVersionString(ctx, flowID)
	if err != nil {
		return nil, err
	}
	next, err := model.BumpVersion(current, change)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}

	env := req.Environment
	if env == "" {
		env = model.EnvDev
	}

	v := &model.FlowVersion{
		ID:                uuid.NewString(),
		FlowID:            flowID,
		Version:           next,
		ChangeType:        change,
		ChangeDescription: req.ChangeDescription,
		Environment:       env,
		Status:            model.VersionDraft,
		Definition:        *flow,
		CreatedBy:         req.CreatedBy,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateFlowVersion(ctx, v); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("flow_id", flowID).
		Str("version_id", v.ID).
		Str("version", v.Version).
		Msg("flow version pushed")
	return v, nil
}

// List returns a flow's versions, oldest first.
func (s *Service) List(ctx context.Context, flowID string) ([]*model.FlowVersion, error) {
	return s.store.ListFlowVersions(ctx, flowID)
}

// Get returns one version snapshot.
func (s *Service) Get(ctx context.Context, id string) (*model.FlowVersion, error) {
	return s.store.GetFlowVersion(ctx, id)
}

// Approve moves a draft version to approved.
func (s *Service) Approve(ctx context.Context, versionID string) (*model.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetFlowVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != model.VersionDraft {
		return nil, fault.New(fault.KindValidation, "version %s is %s, only drafts can be approved", versionID, v.Status)
	}
	now := time.Now().UTC()
	v.Status = model.VersionApproved
	v.ApprovedAt = &now
	if err := s.store.UpdateFlowVersion(ctx, v); err != nil {
		return nil, err
	}
	s.log.Info().Str("version_id", v.ID).Str("version", v.Version).Msg("flow version approved")
	return v, nil
}

// Deploy swaps the flow's live definition for an approved snapshot. The
// previously deployed version is retired and stays eligible for rollback.
func (s *Service) Deploy(ctx context.Context, versionID string) (*model.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetFlowVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != model.VersionApproved {
		return nil, fault.New(fault.KindValidation, "version %s is %s, approve it before deploying", versionID, v.Status)
	}
	return s.activate(ctx, v)
}

// Rollback re-deploys the retired version with the most recent deploy
// timestamp.
func (s *Service) Rollback(ctx context.Context, flowID string) (*model.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.store.ListFlowVersions(ctx, flowID)
	if err != nil {
		return nil, err
	}
	var target *model.FlowVersion
	for _, v := range versions {
		if v.Status != model.VersionRetired || v.DeployedAt == nil {
			continue
		}
		if target == nil || v.DeployedAt.After(*target.DeployedAt) {
			target = v
		}
	}
	if target == nil {
		return nil, fault.New(fault.KindValidation, "flow %s has no previously deployed version to roll back to", flowID)
	}
	return s.activate(ctx, target)
}

// activate makes a snapshot the live definition: retire the current
// deployed version, overwrite the flow's graph, record the deployment.
func (s *Service) activate(ctx context.Context, v *model.FlowVersion) (*model.FlowVersion, error) {
	flow, err := s.store.GetFlow(ctx, v.FlowID)
	if err != nil {
		return nil, err
	}

	versions, err := s.store.ListFlowVersions(ctx, v.FlowID)
	if err != nil {
		return nil, err
	}
	for _, prev := range versions {
		if prev.ID == v.ID || prev.Status != model.VersionDeployed {
			continue
		}
		prev.Status = model.VersionRetired
		if err := s.store.UpdateFlowVersion(ctx, prev); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	v.Status = model.VersionDeployed
	v.DeployedAt = &now
	if err := s.store.UpdateFlowVersion(ctx, v); err != nil {
		return nil, err
	}

	def := v.Definition
	flow.Name = def.Name
	flow.Description = def.Description
	flow.Slug = def.Slug
	flow.Nodes = def.Nodes
	flow.Edges = def.Edges
	flow.Schemas = def.Schemas
	flow.EmulationMode = def.EmulationMode
	flow.ActiveVersion = v.ID
	flow.UpdatedAt = now
	if err := s.store.UpdateFlow(ctx, flow); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Emit(events.TypeFlowDeployed, "version", flow.ID, map[string]interface{}{
			"versionId": v.ID,
			"version":   v.Version,
		})
	}
	if s.onDeploy != nil {
		s.onDeploy(flow)
	}
	s.log.Info().
		Str("flow_id", flow.ID).
		Str("version_id", v.ID).
		Str("version", v.Version).
		Msg("flow version deployed")
	return v, nil
}

func (s *Service) latestVersionString(ctx context.Context, flowID string) (string, error) {
	versions, err := s.store.ListFlowVersions(ctx, flowID)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", nil
	}
	return versions[len(versions)-1].Version, nil
}
