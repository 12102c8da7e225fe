package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/impl/database/mock"
	"github.com/mykube-run/sluice/pkg/impl/listener"
	"github.com/mykube-run/sluice/pkg/impl/logging"
	"github.com/mykube-run/sluice/pkg/queue"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type fixture struct {
	db       *mock.MockDB
	b        *bus.Bus
	q        *queue.TaskQueue
	rm       *ResourceManager
	m        *Manager
	advanced int32

	mu       sync.Mutex
	finished map[int64]*bus.TaskFinished
	alerts   map[int64]string
	complete chan int64
}

func newFixture(t *testing.T, workers int, exec types.ExecutorFunc) *fixture {
	return newFixtureOn(t, mock.NewMockDB(), nil, workers, exec)
}

// newFixtureOn builds the manager on db, or on db as wrapped by wrap when it is set
func newFixtureOn(t *testing.T, db *mock.MockDB, wrap types.DB, workers int, exec types.ExecutorFunc) *fixture {
	lg := logging.NewNopLogger()
	var mdb types.DB = db
	if wrap != nil {
		mdb = wrap
	}
	f := &fixture{
		db:       db,
		b:        bus.New("worker-test", lg),
		finished: make(map[int64]*bus.TaskFinished),
		alerts:   make(map[int64]string),
		complete: make(chan int64, 16),
	}
	f.b.Start()
	f.q = queue.NewTaskQueue("worker-test", listener.Default)
	f.rm = NewResourceManager(f.db, entity.NewWorkerResources(workers, 8*1024), lg)
	adv := types.NodeAdvancerFunc(func(ctx context.Context, node *entity.InstanceNode) error {
		atomic.AddInt32(&f.advanced, 1)
		return nil
	})
	m, err := NewManager(Options{Id: "worker-test", Executor: exec, Advancer: adv}, f.q, f.b, mdb, f.rm, lg, listener.Default)
	require.NoError(t, err)
	f.m = m

	bus.On(f.b, func(m *bus.TaskFinished) {
		f.mu.Lock()
		f.finished[m.TaskId] = m
		f.mu.Unlock()
	})
	bus.On(f.b, func(m *bus.TaskAlert) {
		f.mu.Lock()
		f.alerts[m.TaskId] = m.Message
		f.mu.Unlock()
	})
	bus.On(f.b, func(m *bus.InstanceNodeComplete) { f.complete <- m.InstanceNodeId })

	t.Cleanup(func() {
		f.m.Stop()
		f.b.Stop()
	})
	return f
}

// seed creates an instance node with n submitted tasks numbered from first
func (f *fixture) seed(t *testing.T, instanceNodeId, definitionNodeId, first int64, n int) []int64 {
	ctx := context.TODO()
	require.NoError(t, f.db.CreateInstanceNode(ctx, entity.InstanceNode{
		Id: instanceNodeId, InstanceId: 1, DefinitionNodeId: definitionNodeId,
	}))
	ids := make([]int64, 0, n)
	for i := int64(0); i < int64(n); i++ {
		task := entity.Task{
			Id: first + i, InstanceId: 1, InstanceNodeId: instanceNodeId, DefinitionNodeId: definitionNodeId,
			State: enum.TaskStateSubmitted,
		}
		require.NoError(t, f.db.CreateTask(ctx, task))
		ids = append(ids, task.Id)
	}
	return ids
}

func (f *fixture) enqueue(t *testing.T, instanceNodeId, definitionNodeId int64, ids ...int64) {
	for _, id := range ids {
		require.NoError(t, f.q.Put(&bus.TaskRequest{
			TaskId: id, InstanceId: 1, InstanceNodeId: instanceNodeId, DefinitionNodeId: definitionNodeId,
		}))
	}
}

func (f *fixture) start() {
	go f.m.Run(context.Background())
}

func (f *fixture) waitFinished(t *testing.T, ids ...int64) {
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, id := range ids {
			if _, ok := f.finished[id]; !ok {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)
}

func (f *fixture) alert(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alerts[id]
}

func (f *fixture) state(t *testing.T, id int64) *entity.Task {
	task, err := f.db.GetTask(context.TODO(), types.GetTaskOption{Id: id})
	require.NoError(t, err)
	return task
}

func succeed(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
	return 0, nil
}

func TestResourceManager_Resolve(t *testing.T) {
	db := mock.NewMockDB()
	rm := NewResourceManager(db, entity.NewWorkerResources(4, 8*1024), logging.NewNopLogger())
	ctx := context.TODO()

	override := entity.WorkerResources{DefinitionNodeId: 7}
	override.MemoryMB.Int64, override.MemoryMB.Valid = 4*1024, true
	require.NoError(t, db.SaveWorkerResources(ctx, override))

	res, err := rm.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, entity.ResolvedResources{DefinitionNodeId: 7, WorkerCount: 4, MemoryMB: 4 * 1024}, res)

	// No override at all
	res, err = rm.Resolve(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, res.WorkerCount)
	assert.Equal(t, int64(8*1024), res.MemoryMB)

	zero := entity.NewWorkerResources(0, 1024)
	zero.DefinitionNodeId = 9
	require.NoError(t, db.SaveWorkerResources(ctx, zero))
	_, err = rm.Resolve(ctx, 9)
	assert.ErrorIs(t, err, enum.ErrInvalidWorkerCount)
	assert.True(t, IsConfigError(err))

	rm.SetDefaults(entity.WorkerResources{})
	_, err = rm.Resolve(ctx, 8)
	assert.ErrorIs(t, err, enum.ErrResourcesUnset)
}

func TestResourceManager_AnswersRequests(t *testing.T) {
	f := newFixture(t, 3, succeed)
	f.rm.Attach(f.b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := bus.Request[*bus.WorkerResourcesResponse](ctx, f.b, &bus.WorkerResourcesRequest{Requestor: bus.NewRequestor()})
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	assert.Equal(t, 3, reply.Resources.WorkerCount)
}

func TestTransitioner_ExactlyOnce(t *testing.T) {
	const n = 16
	f := newFixture(t, 1, succeed)
	ids := f.seed(t, 100, 1, 1, n)
	ctx := context.TODO()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		won   int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			<-start
			_, err := f.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{
				Ids: []int64{id}, State: enum.TaskStateCompleted, Outcome: enum.OutcomeCompleted,
			})
			assert.NoError(t, err)
			ok, err := f.m.tr.Check(ctx, 100)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&won, 1)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.advanced))
	node, err := f.db.GetInstanceNode(ctx, types.GetInstanceNodeOption{Id: 100})
	require.NoError(t, err)
	assert.True(t, node.TransitionComplete)
}

func TestTransitioner_NotWhenErrored(t *testing.T) {
	f := newFixture(t, 1, succeed)
	ids := f.seed(t, 100, 1, 1, 2)
	ctx := context.TODO()

	_, _ = f.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{Ids: ids[:1], State: enum.TaskStateCompleted})
	ok, err := f.m.tr.Check(ctx, 100)
	require.NoError(t, err)
	assert.False(t, ok, "unresolved node must not transition")

	_, _ = f.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{Ids: ids[1:], State: enum.TaskStateError})
	ok, err = f.m.tr.Check(ctx, 100)
	require.NoError(t, err)
	assert.False(t, ok, "node with errored tasks must not transition")
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.advanced))
}

func TestManager_RunsTasksAndTransitions(t *testing.T) {
	var ran sync.Map
	f := newFixture(t, 2, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		ran.Store(task.Id, memoryMB)
		return 0, nil
	})
	ids := f.seed(t, 100, 1, 1, 3)
	f.enqueue(t, 100, 1, ids...)
	f.start()

	select {
	case id := <-f.complete:
		assert.Equal(t, int64(100), id)
	case <-time.After(waitTimeout):
		t.Fatalf("instance node was not completed")
	}
	for _, id := range ids {
		task := f.state(t, id)
		assert.Equal(t, enum.TaskStateCompleted, task.State)
		assert.Equal(t, "worker-test", task.Worker)
		mem, ok := ran.Load(id)
		require.True(t, ok)
		assert.Equal(t, int64(8*1024), mem)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.advanced))
	assert.Equal(t, 2, f.m.Current().WorkerCount)
}

func TestManager_NonZeroExitAlerts(t *testing.T) {
	f := newFixture(t, 2, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		if task.Id == 2 {
			return 3, nil
		}
		return 0, nil
	})
	ids := f.seed(t, 100, 1, 1, 3)
	f.enqueue(t, 100, 1, ids...)
	f.start()
	f.waitFinished(t, ids...)

	assert.Equal(t, enum.TaskStateError, f.state(t, 2).State)
	assert.Equal(t, enum.OutcomeErrored, f.state(t, 2).Outcome)
	require.Eventually(t, func() bool { return f.alert(2) != "" }, waitTimeout, 5*time.Millisecond)
	assert.Contains(t, f.alert(2), "exited with code 3")
	f.mu.Lock()
	assert.Equal(t, 3, f.finished[2].ExitCode)
	assert.Len(t, f.alerts, 1)
	f.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.advanced))
}

func TestManager_ConfigErrorAbortsCycle(t *testing.T) {
	f := newFixture(t, 1, succeed)
	bad := entity.NewWorkerResources(0, 1024)
	bad.DefinitionNodeId = 1
	require.NoError(t, f.db.SaveWorkerResources(context.TODO(), bad))

	f.seed(t, 100, 1, 1, 1)
	f.seed(t, 200, 2, 2, 1)
	f.enqueue(t, 100, 1, 1)
	f.enqueue(t, 200, 2, 2)
	f.start()
	f.waitFinished(t, 1, 2)

	assert.Equal(t, enum.TaskStateError, f.state(t, 1).State)
	assert.Equal(t, enum.TaskStateCompleted, f.state(t, 2).State)
	require.Eventually(t, func() bool { return f.alert(1) != "" }, waitTimeout, 5*time.Millisecond)
	assert.Contains(t, f.alert(1), "invalid worker resources")
	assert.Empty(t, f.alert(2))
}

func TestManager_ReshapesForNextNode(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int64
	)
	f := newFixture(t, 2, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		mu.Lock()
		order = append(order, task.DefinitionNodeId)
		mu.Unlock()
		return 0, nil
	})
	updates := make(chan entity.ResolvedResources, 4)
	bus.On(f.b, func(m *bus.WorkerResourcesUpdate) { updates <- m.Resources })

	first := f.seed(t, 100, 1, 1, 4)
	second := f.seed(t, 200, 2, 10, 3)
	f.enqueue(t, 200, 2, second...)
	f.enqueue(t, 100, 1, first...)
	f.start()
	f.waitFinished(t, append(first, second...)...)

	mu.Lock()
	assert.Equal(t, []int64{1, 1, 1, 1, 2, 2, 2}, order)
	mu.Unlock()
	assert.Equal(t, int64(1), (<-updates).DefinitionNodeId)
	assert.Equal(t, int64(2), (<-updates).DefinitionNodeId)
}

func TestManager_Kill(t *testing.T) {
	f := newFixture(t, 1, succeed)
	ids := f.seed(t, 100, 1, 1, 3)
	f.enqueue(t, 100, 1, ids...)

	killedAcks := make(chan int64, 4)
	bus.On(f.b, func(m *bus.TaskKilled) { killedAcks <- m.TaskId })

	killed := f.m.Kill(context.TODO(), []int64{2, 42})
	assert.Equal(t, []int64{2}, killed)
	assert.Equal(t, int64(2), <-killedAcks)
	assert.Equal(t, 2, f.q.Len())
	for _, r := range f.q.Items() {
		assert.NotEqual(t, int64(2), r.TaskId)
	}
	task := f.state(t, 2)
	assert.Equal(t, enum.TaskStateError, task.State)
	assert.Equal(t, enum.OutcomeKilled, task.Outcome)

	// Killing twice is a no-op
	assert.Empty(t, f.m.Kill(context.TODO(), []int64{2}))
}

func TestManager_SignalHaltsRunningTask(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, 1, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		close(started)
		<-ctx.Done()
		return -1, nil
	})
	halted := make(chan int64, 1)
	bus.On(f.b, func(m *bus.TaskHalted) { halted <- m.TaskId })

	ids := f.seed(t, 100, 1, 1, 1)
	f.enqueue(t, 100, 1, ids...)
	f.start()
	<-started
	require.True(t, f.m.IsRunning(1))
	assert.Equal(t, []int64{1}, f.m.Running())

	waits := f.m.Signal([]int64{1, 2}, enum.OutcomeKilled)
	require.Len(t, waits, 1)
	select {
	case <-waits[1]:
	case <-time.After(waitTimeout):
		t.Fatalf("halted task did not exit")
	}
	select {
	case id := <-halted:
		assert.Equal(t, int64(1), id)
	case <-time.After(waitTimeout):
		t.Fatalf("TaskHalted was not published")
	}
	task := f.state(t, 1)
	assert.Equal(t, enum.TaskStateError, task.State)
	assert.Equal(t, enum.OutcomeKilled, task.Outcome)
	assert.False(t, f.m.IsRunning(1))
}

func TestManager_SkipsResolvedTasksUnlessRestarted(t *testing.T) {
	var runs int32
	f := newFixture(t, 1, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		atomic.AddInt32(&runs, 1)
		return 0, nil
	})
	f.seed(t, 100, 1, 1, 1)
	_, _ = f.db.UpdateTaskState(context.TODO(), types.UpdateTaskStateOption{
		Ids: []int64{1}, State: enum.TaskStateError, Outcome: enum.OutcomeErrored,
	})

	f.enqueue(t, 100, 1, 1)
	f.start()
	require.Eventually(t, func() bool { return f.q.Len() == 0 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
	assert.Equal(t, enum.TaskStateError, f.state(t, 1).State)

	require.NoError(t, f.q.Put(&bus.TaskRequest{TaskId: 1, InstanceNodeId: 100, DefinitionNodeId: 1,
		RunMode: enum.RunModeRestartFromBeginning}))
	f.waitFinished(t, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, enum.TaskStateCompleted, f.state(t, 1).State)
	select {
	case <-f.complete:
	case <-time.After(waitTimeout):
		t.Fatalf("restarted node was not completed")
	}
}

func TestManager_TransitionOnly(t *testing.T) {
	var calls int32
	f := newFixture(t, 1, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})
	ids := f.seed(t, 100, 1, 1, 2)
	_, err := f.db.UpdateTaskState(context.TODO(), types.UpdateTaskStateOption{Ids: ids, State: enum.TaskStateCompleted})
	require.NoError(t, err)
	require.NoError(t, f.q.Put(&bus.TaskRequest{TaskId: ids[0], InstanceId: 1, InstanceNodeId: 100, DefinitionNodeId: 1,
		TransitionOnly: true}))
	f.start()

	select {
	case id := <-f.complete:
		assert.Equal(t, int64(100), id)
	case <-time.After(waitTimeout):
		t.Fatalf("instance node was not completed")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.advanced))
}

// stopOnProcessingDB runs onProcessing right after a task was marked processing
type stopOnProcessingDB struct {
	*mock.MockDB
	onProcessing func(taskId int64)
}

func (d *stopOnProcessingDB) UpdateTaskState(ctx context.Context, opt types.UpdateTaskStateOption) (int64, error) {
	n, err := d.MockDB.UpdateTaskState(ctx, opt)
	if err == nil && n > 0 && opt.State == enum.TaskStateProcessing && d.onProcessing != nil {
		for _, id := range opt.Ids {
			d.onProcessing(id)
		}
	}
	return n, err
}

func TestManager_SignalBeforeProcessStarts(t *testing.T) {
	var runs int32
	mdb := mock.NewMockDB()
	wrap := &stopOnProcessingDB{MockDB: mdb}
	f := newFixtureOn(t, mdb, wrap, 1, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		atomic.AddInt32(&runs, 1)
		<-ctx.Done()
		return -1, nil
	})
	waits := make(chan map[int64]<-chan struct{}, 1)
	wrap.onProcessing = func(taskId int64) {
		waits <- f.m.Signal([]int64{taskId}, enum.OutcomeDeleted)
	}
	deleted := make(chan int64, 1)
	bus.On(f.b, func(m *bus.TaskFinished) {
		if m.Outcome == enum.OutcomeDeleted {
			deleted <- m.TaskId
		}
	})

	ids := f.seed(t, 100, 1, 1, 1)
	f.enqueue(t, 100, 1, ids...)
	f.start()

	var w map[int64]<-chan struct{}
	select {
	case w = <-waits:
	case <-time.After(waitTimeout):
		t.Fatalf("task was not marked processing")
	}
	// The handler is known before the state flips, so the stop reaches it
	require.Len(t, w, 1)
	select {
	case <-w[1]:
	case <-time.After(waitTimeout):
		t.Fatalf("signaled task did not finish")
	}
	assert.Equal(t, int64(1), <-deleted)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
	task := f.state(t, 1)
	assert.Equal(t, enum.TaskStateError, task.State)
	assert.Equal(t, enum.OutcomeDeleted, task.Outcome)
	assert.False(t, f.m.IsRunning(1))
}

func TestRunningTask_StopAfterExitIgnored(t *testing.T) {
	canceled := 0
	rt := &runningTask{cancel: func() { canceled++ }, done: make(chan struct{})}
	assert.Equal(t, enum.OutcomeNone, rt.exit())

	rt.stop(enum.OutcomeKilled)
	assert.Equal(t, enum.OutcomeNone, rt.stoppedFor())
	assert.Equal(t, 1, canceled)

	rt = &runningTask{cancel: func() {}, done: make(chan struct{})}
	rt.stop(enum.OutcomeDeleted)
	rt.stop(enum.OutcomeKilled)
	assert.Equal(t, enum.OutcomeDeleted, rt.exit())
}
