package join

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// seedExpired plants a waiting slot whose TTL already passed.
func seedExpired(t *testing.T, gw storage.Gateway, stream model.JoinStream, strategy model.JoinStrategy) *model.JoinState {
	t.Helper()
	state, completed, err := gw.UpsertJoinArrival(context.Background(), storage.JoinArrival{
		FlowID:           "flow-1",
		NodeID:           "join-1",
		CorrelationKey:   "order_id",
		CorrelationValue: "X",
		Stream:           stream,
		Payload:          model.Payload{"order_id": "X"},
		Strategy:         strategy,
		ExpiresAt:        time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.False(t, completed)
	return state
}

func TestSweeperInnerTimeoutRecordsReport(t *testing.T) {
	gw := storage.NewMemory()
	seedExpired(t, gw, model.StreamA, model.JoinInner)

	resumed := false
	sw := NewSweeper(gw, metrics.NewWith(prometheus.NewRegistry()), events.NewBus(),
		func(ctx context.Context, state *model.JoinState, output model.Payload) { resumed = true },
		SweeperConfig{}, zerolog.Nop())

	sw.SweepOnce(context.Background())

	assert.False(t, resumed, "inner strategy must not emit a partial payload")

	state, err := gw.GetJoinState(context.Background(), "flow-1", "join-1", "X")
	require.NoError(t, err)
	assert.Equal(t, model.JoinTimeout, state.Status)

	reports, err := gw.ListReports(context.Background(), model.ReportNew, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "timeout", reports[0].Kind)
	assert.Equal(t, "join-1", reports[0].NodeID)
}

func TestSweeperLeftTimeoutEmitsPartial(t *testing.T) {
	gw := storage.NewMemory()
	seedExpired(t, gw, model.StreamA, model.JoinLeft)

	var got model.Payload
	sw := NewSweeper(gw, metrics.NewWith(prometheus.NewRegistry()), events.NewBus(),
		func(ctx context.Context, state *model.JoinState, output model.Payload) { got = output },
		SweeperConfig{}, zerolog.Nop())

	sw.SweepOnce(context.Background())

	require.NotNil(t, got, "left strategy should emit the partial payload")
	assert.NotNil(t, got["streamA"])
	assert.Nil(t, got["streamB"])

	reports, err := gw.ListReports(context.Background(), model.ReportNew, 10)
	require.NoError(t, err)
	assert.Empty(t, reports, "an emitted partial is not a failure")
}

func TestSweeperLeftWithoutKeptSideDegradesToReport(t *testing.T) {
	gw := storage.NewMemory()
	// Only stream B arrived, so "emit A" has nothing to emit.
	seedExpired(t, gw, model.StreamB, model.JoinLeft)

	resumed := false
	sw := NewSweeper(gw, metrics.NewWith(prometheus.NewRegistry()), events.NewBus(),
		func(ctx context.Context, state *model.JoinState, output model.Payload) { resumed = true },
		SweeperConfig{}, zerolog.Nop())

	sw.SweepOnce(context.Background())

	assert.False(t, resumed)
	reports, err := gw.ListReports(context.Background(), model.ReportNew, 10)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestSweeperDoesNotTouchLiveSlots(t *testing.T) {
	gw := storage.NewMemory()
	_, _, err := gw.UpsertJoinArrival(context.Background(), storage.JoinArrival{
		FlowID:           "flow-1",
		NodeID:           "join-1",
		CorrelationKey:   "order_id",
		CorrelationValue: "live",
		Stream:           model.StreamA,
		Payload:          model.Payload{"order_id": "live"},
		Strategy:         model.JoinInner,
		ExpiresAt:        time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	sw := NewSweeper(gw, metrics.NewWith(prometheus.NewRegistry()), events.NewBus(), nil,
		SweeperConfig{}, zerolog.Nop())
	sw.SweepOnce(context.Background())

	state, err := gw.GetJoinState(context.Background(), "flow-1", "join-1", "live")
	require.NoError(t, err)
	assert.Equal(t, model.JoinWaitingB, state.Status)
}

func TestSweeperPrunesResolvedSlotsPastRetention(t *testing.T) {
	gw := storage.NewMemory()
	seedExpired(t, gw, model.StreamA, model.JoinInner)

	sw := NewSweeper(gw, metrics.NewWith(prometheus.NewRegistry()), events.NewBus(), nil,
		SweeperConfig{Retention: time.Millisecond}, zerolog.Nop())

	// First sweep times the slot out; second prunes it once past retention.
	sw.SweepOnce(context.Background())
	time.Sleep(5 * time.Millisecond)
	sw.SweepOnce(context.Background())

	_, err := gw.GetJoinState(context.Background(), "flow-1", "join-1", "X")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
