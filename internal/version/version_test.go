package version

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

func newVersionFixture(t *testing.T) (*Service, storage.Gateway) {
	t.Helper()
	store := storage.NewMemory()
	now := time.Now().UTC()
	require.NoError(t, store.CreateFlow(context.Background(), &model.Flow{
		ID: "f1", Name: "orders v1", Enabled: true,
		Nodes:     []model.Node{{ID: "in", Type: model.NodeWebhook}},
		CreatedAt: now, UpdatedAt: now,
	}))
	return New(store, events.NewBus()), store
}

func TestPushBumpsSemver(t *testing.T) {
	svc, _ := newVersionFixture(t)
	ctx := context.Background()

	v1, err := svc.Push(ctx, "f1", PushRequest{ChangeType: model.ChangePatch})
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", v1.Version)
	assert.Equal(t, model.VersionDraft, v1.Status)
	assert.Equal(t, model.EnvDev, v1.Environment)
	assert.Equal(t, "orders v1", v1.Definition.Name)

	v2, err := svc.Push(ctx, "f1", PushRequest{ChangeType: model.ChangeMinor})
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", v2.Version)

	v3, err := svc.Push(ctx, "f1", PushRequest{ChangeType: model.ChangeMajor, Environment: model.EnvProd})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v3.Version)
	assert.Equal(t, model.EnvProd, v3.Environment)

	// Empty changeType defaults to patch.
	v4, err := svc.Push(ctx, "f1", PushRequest{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", v4.Version)
}

func TestPushUnknownFlow(t *testing.T) {
	svc, _ := newVersionFixture(t)
	_, err := svc.Push(context.Background(), "ghost", PushRequest{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApproveOnlyDrafts(t *testing.T) {
	svc, _ := newVersionFixture(t)
	ctx := context.Background()

	v, err := svc.Push(ctx, "f1", PushRequest{})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)

	_, err = svc.Approve(ctx, v.ID)
	assert.Error(t, err, "second approve must be rejected")
}

func TestDeployRequiresApproval(t *testing.T) {
	svc, _ := newVersionFixture(t)
	ctx := context.Background()

	v, err := svc.Push(ctx, "f1", PushRequest{})
	require.NoError(t, err)

	_, err = svc.Deploy(ctx, v.ID)
	assert.Error(t, err, "draft cannot deploy")
}

func TestDeploySwapsLiveDefinition(t *testing.T) {
	svc, store := newVersionFixture(t)
	ctx := context.Background()

	v, err := svc.Push(ctx, "f1", PushRequest{ChangeType: model.ChangeMinor})
	require.NoError(t, err)

	// The flow drifts after the snapshot was taken.
	flow, err := store.GetFlow(ctx, "f1")
	require.NoError(t, err)
	flow.Name = "orders v2 draft"
	flow.Nodes = append(flow.Nodes, model.Node{ID: "extra", Type: model.NodeJSONParser})
	require.NoError(t, store.UpdateFlow(ctx, flow))

	var hookFlow *model.Flow
	svc.OnDeploy(func(f *model.Flow) { hookFlow = f })

	_, err = svc.Approve(ctx, v.ID)
	require.NoError(t, err)
	deployed, err := svc.Deploy(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionDeployed, deployed.Status)
	assert.NotNil(t, deployed.DeployedAt)

	// Deploy restored the snapshot over the drifted definition.
	flow, err = store.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "orders v1", flow.Name)
	assert.Len(t, flow.Nodes, 1)
	assert.Equal(t, v.ID, flow.ActiveVersion)

	require.NotNil(t, hookFlow)
	assert.Equal(t, "f1", hookFlow.ID)
}

func TestRollbackReturnsToPreviousDeploy(t *testing.T) {
	svc, store := newVersionFixture(t)
	ctx := context.Background()

	deployNext := func(rename string) *model.FlowVersion {
		t.Helper()
		flow, err := store.GetFlow(ctx, "f1")
		require.NoError(t, err)
		flow.Name = rename
		require.NoError(t, store.UpdateFlow(ctx, flow))

		v, err := svc.Push(ctx, "f1", PushRequest{})
		require.NoError(t, err)
		_, err = svc.Approve(ctx, v.ID)
		require.NoError(t, err)
		deployed, err := svc.Deploy(ctx, v.ID)
		require.NoError(t, err)
		return deployed
	}

	first := deployNext("first deploy")
	second := deployNext("second deploy")

	// Deploying the second retired the first.
	got, err := store.GetFlowVersion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionRetired, got.Status)

	rolled, err := svc.Rollback(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, rolled.ID)
	assert.Equal(t, model.VersionDeployed, rolled.Status)

	flow, err := store.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "first deploy", flow.Name)
	assert.Equal(t, first.ID, flow.ActiveVersion)

	// The rolled-away version is now itself eligible for rollback.
	got, err = store.GetFlowVersion(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionRetired, got.Status)
}

func TestRollbackWithoutHistory(t *testing.T) {
	svc, _ := newVersionFixture(t)
	_, err := svc.Rollback(context.Background(), "f1")
	assert.Error(t, err)
}
