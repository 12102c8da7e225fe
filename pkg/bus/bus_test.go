package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/impl/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	b := New("test-process", logging.NewNopLogger())
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestBus_DeliversEachMessageOnceInOrder(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	got := make(map[string][]int64)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		On(b, func(m *TaskKilled) {
			mu.Lock()
			got[name] = append(got[name], m.TaskId)
			mu.Unlock()
		})
	}
	// A subscriber of another kind must never see TaskKilled
	On(b, func(m *TaskHalted) { t.Errorf("unexpected delivery of %v", m.Kind()) })

	var last <-chan struct{}
	for i := int64(1); i <= 100; i++ {
		ch, err := b.PublishNotify(&TaskKilled{TaskId: i})
		require.NoError(t, err)
		last = ch
	}
	<-last

	mu.Lock()
	defer mu.Unlock()
	for name, ids := range got {
		require.Len(t, ids, 100, name)
		for i := range ids {
			assert.Equal(t, int64(i+1), ids[i], name)
		}
	}
}

func TestBus_NotifyClosedAfterAllSubscribersRan(t *testing.T) {
	b := newTestBus(t)

	ran := 0
	for i := 0; i < 3; i++ {
		On(b, func(m *Heartbeat) { ran++ })
	}
	err := b.PublishAndWait(context.Background(), &Heartbeat{Time: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 3, ran)

	// No subscribers is not an error either
	err = b.PublishAndWait(context.Background(), &Shutdown{})
	require.NoError(t, err)
}

func TestBus_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	b := newTestBus(t)

	second := 0
	On(b, func(m *TaskAlert) { panic("boom") })
	On(b, func(m *TaskAlert) { second++ })

	for i := 0; i < 2; i++ {
		err := b.PublishAndWait(context.Background(), &TaskAlert{TaskId: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, second)
}

func TestBus_ChainedPublishIsDeliveredAfterCurrentMessage(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	order := make([]string, 0)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	done := make(chan struct{})
	On(b, func(m *TaskStarted) {
		record("started-1")
		assert.NoError(t, b.Publish(&TaskFinished{TaskId: m.TaskId}))
	})
	On(b, func(m *TaskStarted) { record("started-2") })
	On(b, func(m *TaskFinished) {
		record("finished")
		close(done)
	})

	require.NoError(t, b.Publish(&TaskStarted{TaskId: 1}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("chained message was not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started-1", "started-2", "finished"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)

	n := 0
	s := On(b, func(m *Shutdown) { n++ })
	require.NoError(t, b.PublishAndWait(context.Background(), &Shutdown{}))
	b.Unsubscribe(s)
	require.NoError(t, b.PublishAndWait(context.Background(), &Shutdown{}))
	assert.Equal(t, 1, n)
}

func TestBus_StopRejectsPublish(t *testing.T) {
	b := New("test-process", logging.NewNopLogger())
	b.Start()
	b.Stop()
	<-b.Done()
	assert.ErrorIs(t, b.Publish(&Shutdown{}), enum.ErrBusStopped)
}

func TestBus_PublishStampsHeader(t *testing.T) {
	b := newTestBus(t)

	m := &Heartbeat{}
	require.NoError(t, b.PublishAndWait(context.Background(), m))
	h := m.MessageHeader()
	assert.Equal(t, "test-process", h.Sender)
	assert.False(t, h.Timestamp.IsZero())

	// Explicit headers are kept
	hdr := NewHeader("other")
	m2 := &Heartbeat{Header: hdr}
	require.NoError(t, b.PublishAndWait(context.Background(), m2))
	assert.True(t, Equal(m2, &Heartbeat{Header: hdr}))
}

func TestEqual(t *testing.T) {
	h := NewHeader("p1")
	assert.True(t, Equal(&TaskKilled{Header: h, TaskId: 1}, &TaskKilled{Header: h, TaskId: 2}))
	assert.False(t, Equal(&TaskKilled{Header: h}, &TaskHalted{Header: h}))
	assert.False(t, Equal(&TaskKilled{Header: h}, &TaskKilled{Header: NewHeader("p2")}))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(&TaskKilled{Header: h}, nil))
}

func TestTaskRequest_Less(t *testing.T) {
	a := &TaskRequest{DefinitionNodeId: 1, Priority: 0, TaskId: 9}
	b := &TaskRequest{DefinitionNodeId: 2, Priority: 10, TaskId: 1}
	c := &TaskRequest{DefinitionNodeId: 1, Priority: 5, TaskId: 10}
	d := &TaskRequest{DefinitionNodeId: 1, Priority: 5, TaskId: 11}

	assert.True(t, a.Less(b))
	assert.True(t, c.Less(a))
	assert.True(t, c.Less(d))
	assert.False(t, d.Less(c))
	assert.False(t, c.Less(c))
}
