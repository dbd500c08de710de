package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
)

func newMemory(t *testing.T, cfg Config) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(cfg, metrics.NewWith(prometheus.NewRegistry()))
	t.Cleanup(func() { q.Close() })
	return q
}

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	q := newMemory(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 3)
	require.NoError(t, q.Subscribe(ctx, TopicTriggers, "workers", func(ctx context.Context, d *Delivery) error {
		got <- string(d.Payload)
		return nil
	}))

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, TopicTriggers, []byte(fmt.Sprintf("msg-%d", i))))
	}

	for i := 1; i <= 3; i++ {
		select {
		case m := <-got:
			assert.Equal(t, fmt.Sprintf("msg-%d", i), m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryQueueRedeliversOnNack(t *testing.T) {
	q := newMemory(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 4)
	require.NoError(t, q.Subscribe(ctx, TopicTriggers, "workers", func(ctx context.Context, d *Delivery) error {
		attempts <- d.Attempt
		if d.Attempt < 2 {
			return fault.New(fault.KindConnection, "transient")
		}
		return nil
	}))

	require.NoError(t, q.Enqueue(ctx, TopicTriggers, []byte("payload")))

	var seen []int
	for len(seen) < 2 {
		select {
		case a := <-attempts:
			seen = append(seen, a)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, saw attempts %v", seen)
		}
	}
	assert.Equal(t, []int{1, 2}, seen)
}

func TestMemoryQueueDropsAtRedeliveryCeiling(t *testing.T) {
	q := newMemory(t, Config{MaxRedeliver: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveries int64
	require.NoError(t, q.Subscribe(ctx, TopicTriggers, "workers", func(ctx context.Context, d *Delivery) error {
		atomic.AddInt64(&deliveries, 1)
		return fault.New(fault.KindConnection, "poison")
	}))

	require.NoError(t, q.Enqueue(ctx, TopicTriggers, []byte("bad")))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&deliveries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// No further redelivery happens after the ceiling.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt64(&deliveries))
}

func TestMemoryQueueIsBounded(t *testing.T) {
	q := newMemory(t, Config{BufferSize: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TopicTriggers, []byte("a")))
	require.NoError(t, q.Enqueue(ctx, TopicTriggers, []byte("b")))
	err := q.Enqueue(ctx, TopicTriggers, []byte("c"))
	require.Error(t, err)
	assert.Equal(t, fault.KindSystem, fault.KindOf(err))
}

func TestMemoryQueueCompetingConsumers(t *testing.T) {
	q := newMemory(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	counts := map[string]int{}
	var total int64
	handler := func(ctx context.Context, d *Delivery) error {
		mu.Lock()
		counts[string(d.Payload)]++
		mu.Unlock()
		atomic.AddInt64(&total, 1)
		return nil
	}
	require.NoError(t, q.Subscribe(ctx, TopicTriggers, "workers", handler))
	require.NoError(t, q.Subscribe(ctx, TopicTriggers, "workers", handler))

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, TopicTriggers, []byte(fmt.Sprintf("msg-%d", i))))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&total) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for payload, c := range counts {
		assert.Equal(t, 1, c, "message %s delivered more than once", payload)
	}
	assert.Len(t, counts, n)
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(Config{}, nil)
	require.NoError(t, q.Close())
	err := q.Enqueue(context.Background(), TopicTriggers, []byte("x"))
	require.Error(t, err)
	require.NoError(t, q.Close(), "closing twice is fine")
}

func TestOpenSelectsBackend(t *testing.T) {
	m := metrics.NewWith(prometheus.NewRegistry())

	q, err := Open(Config{Backend: model.QueueInMemory}, m)
	require.NoError(t, err)
	_, ok := q.(*MemoryQueue)
	assert.True(t, ok)
	q.Close()

	_, err = Open(Config{Backend: "zeromq"}, m)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	// Broker-backed constructors insist on their endpoints.
	_, err = Open(Config{Backend: model.QueueRabbitMQ}, m)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = Open(Config{Backend: model.QueueKafka}, m)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
