package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/storage"
)

func schedulerNode(id, expr string) model.Node {
	return model.Node{ID: id, Type: model.NodeScheduler, Config: map[string]interface{}{
		"cronExpression": expr,
	}}
}

func newScheduleFixture(t *testing.T) (*Service, queue.Queue) {
	t.Helper()
	m := metrics.NewWith(prometheus.NewRegistry())
	q := queue.NewMemoryQueue(queue.Config{BufferSize: 32}, m)
	return New(storage.NewMemory(), q), q
}

func TestSyncRegistersEnabledSchedulerNodes(t *testing.T) {
	svc, _ := newScheduleFixture(t)
	flow := &model.Flow{
		ID: "f1", Enabled: true,
		Nodes: []model.Node{
			schedulerNode("s1", "0 9 * * 1"),
			schedulerNode("s2", "@hourly"),
			{ID: "off", Type: model.NodeScheduler, Disabled: true,
				Config: map[string]interface{}{"cronExpression": "* * * * *"}},
			{ID: "hook", Type: model.NodeWebhook},
		},
	}

	svc.Sync(flow)
	assert.Equal(t, 2, svc.Jobs())

	// Re-sync replaces, never stacks.
	svc.Sync(flow)
	assert.Equal(t, 2, svc.Jobs())

	svc.Remove("f1")
	assert.Equal(t, 0, svc.Jobs())
}

func TestSyncDisabledFlowClearsJobs(t *testing.T) {
	svc, _ := newScheduleFixture(t)
	flow := &model.Flow{ID: "f1", Enabled: true, Nodes: []model.Node{schedulerNode("s1", "@daily")}}

	svc.Sync(flow)
	require.Equal(t, 1, svc.Jobs())

	flow.Enabled = false
	svc.Sync(flow)
	assert.Equal(t, 0, svc.Jobs())
}

func TestSyncSkipsBadExpression(t *testing.T) {
	svc, _ := newScheduleFixture(t)
	flow := &model.Flow{
		ID: "f1", Enabled: true,
		Nodes: []model.Node{
			schedulerNode("good", "*/5 * * * *"),
			schedulerNode("bad", "not a cron line"),
		},
	}

	svc.Sync(flow)
	assert.Equal(t, 1, svc.Jobs())
}

func TestFireEnqueuesTriggerEvent(t *testing.T) {
	svc, q := newScheduleFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan model.TriggerEvent, 1)
	require.NoError(t, q.Subscribe(ctx, queue.TopicTriggers, "test", func(ctx context.Context, d *queue.Delivery) error {
		var ev model.TriggerEvent
		if err := json.Unmarshal(d.Payload, &ev); err != nil {
			return err
		}
		got <- ev
		return nil
	}))

	svc.fire("f1", "s1")

	select {
	case ev := <-got:
		assert.Equal(t, "f1", ev.FlowID)
		assert.Equal(t, "s1", ev.NodeID)
		assert.Equal(t, model.SourceScheduler, ev.Source)
		assert.NotEmpty(t, ev.ID)
		assert.NotEmpty(t, ev.Payload["scheduledAt"])
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger event arrived")
	}
}

func TestStartRegistersFromStore(t *testing.T) {
	m := metrics.NewWith(prometheus.NewRegistry())
	q := queue.NewMemoryQueue(queue.Config{BufferSize: 32}, m)
	store := storage.NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateFlow(ctx, &model.Flow{
		ID: "f1", Name: "nightly", Enabled: true,
		Nodes:     []model.Node{schedulerNode("s1", "@daily")},
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.CreateFlow(ctx, &model.Flow{
		ID: "f2", Name: "dormant", Enabled: false,
		Nodes:     []model.Node{schedulerNode("s1", "@daily")},
		CreatedAt: now, UpdatedAt: now,
	}))

	svc := New(store, q)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	assert.Equal(t, 1, svc.Jobs())
}

func TestNodeSpecTimezonePrefix(t *testing.T) {
	spec, err := nodeSpec(model.Node{ID: "s1", Type: model.NodeScheduler, Config: map[string]interface{}{
		"cronExpression": "30 4 * * *",
		"timezone":       "Asia/Tokyo",
	}})
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=Asia/Tokyo 30 4 * * *", spec)

	_, err = nodeSpec(model.Node{ID: "s1", Type: model.NodeScheduler, Config: map[string]interface{}{
		"cronExpression": "30 4 * * *",
		"timezone":       "Mars/Olympus",
	}})
	assert.Error(t, err)
}

func TestValidateFlow(t *testing.T) {
	assert.NoError(t, ValidateFlow(&model.Flow{Nodes: []model.Node{
		schedulerNode("s1", "0 */2 * * *"),
		{ID: "hook", Type: model.NodeWebhook},
	}}))

	err := ValidateFlow(&model.Flow{Nodes: []model.Node{schedulerNode("s1", "61 * * * *")}})
	assert.Error(t, err)

	err = ValidateFlow(&model.Flow{Nodes: []model.Node{{ID: "s1", Type: model.NodeScheduler}}})
	assert.Error(t, err, "missing cronExpression")
}
