package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/impl/database/mock"
	"github.com/mykube-run/sluice/pkg/impl/listener"
	"github.com/mykube-run/sluice/pkg/impl/logging"
	"github.com/mykube-run/sluice/pkg/queue"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/mykube-run/sluice/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// racingDB runs hook once right after the first FindTasks, simulating tasks that change while a request is handled
type racingDB struct {
	*mock.MockDB
	once sync.Once
	hook func()
}

func (d *racingDB) FindTasks(ctx context.Context, opt types.FindTasksOption) (entity.Tasks, error) {
	ts, err := d.MockDB.FindTasks(ctx, opt)
	if d.hook != nil {
		d.once.Do(d.hook)
	}
	return ts, err
}

type fakeJobMonitor struct {
	owned map[int64]bool
}

func (f *fakeJobMonitor) Halt(ctx context.Context, ids []int64) ([]int64, error) {
	return f.pick(ids), nil
}

func (f *fakeJobMonitor) Terminate(ctx context.Context, ids []int64) ([]int64, error) {
	return f.pick(ids), nil
}

func (f *fakeJobMonitor) pick(ids []int64) []int64 {
	var out []int64
	for _, id := range ids {
		if f.owned[id] {
			out = append(out, id)
		}
	}
	return out
}

type reconcileFixture struct {
	db      *racingDB
	b       *bus.Bus
	q       *queue.TaskQueue
	m       *worker.Manager
	j       *Journal
	jm      *fakeJobMonitor
	r       *Reconciler
	started chan int64
}

func newReconcileFixture(t *testing.T, deadline time.Duration, exec types.ExecutorFunc) *reconcileFixture {
	lg := logging.NewNopLogger()
	f := &reconcileFixture{
		db:      &racingDB{MockDB: mock.NewMockDB()},
		b:       bus.New("reconcile-test", lg),
		jm:      &fakeJobMonitor{owned: make(map[int64]bool)},
		started: make(chan int64, 8),
	}
	f.b.Start()
	f.q = queue.NewTaskQueue("reconcile-test", listener.Default)
	rm := worker.NewResourceManager(f.db, entity.NewWorkerResources(1, 1024), lg)
	if exec == nil {
		exec = func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) { return 0, nil }
	}
	var err error
	f.m, err = worker.NewManager(worker.Options{
		Id:       "reconcile-test",
		Executor: exec,
		Advancer: types.NodeAdvancerFunc(func(ctx context.Context, node *entity.InstanceNode) error { return nil }),
	}, f.q, f.b, f.db, rm, lg, listener.Default)
	require.NoError(t, err)
	f.j, err = NewJournal(config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db")}, "reconcile-test", lg)
	require.NoError(t, err)
	f.r = NewReconciler("reconcile-test", f.m, f.q, f.db, f.jm, f.j, deadline, lg, listener.Default)

	bus.On(f.b, func(m *bus.TaskStarted) { f.started <- m.TaskId })
	t.Cleanup(func() {
		f.m.Stop()
		f.b.Stop()
		_ = f.j.Close()
	})
	return f
}

func (f *reconcileFixture) seed(t *testing.T, state enum.TaskState, ids ...int64) {
	ctx := context.TODO()
	if _, err := f.db.GetInstanceNode(ctx, types.GetInstanceNodeOption{Id: 100}); err != nil {
		require.NoError(t, f.db.CreateInstanceNode(ctx, entity.InstanceNode{Id: 100, InstanceId: 1, DefinitionNodeId: 1}))
	}
	for _, id := range ids {
		require.NoError(t, f.db.CreateTask(ctx, entity.Task{
			Id: id, InstanceId: 1, InstanceNodeId: 100, DefinitionNodeId: 1, State: state,
		}))
	}
}

func (f *reconcileFixture) put(t *testing.T, ids ...int64) {
	for _, id := range ids {
		require.NoError(t, f.q.Put(&bus.TaskRequest{TaskId: id, InstanceId: 1, InstanceNodeId: 100, DefinitionNodeId: 1}))
	}
}

func (f *reconcileFixture) waitStarted(t *testing.T, id int64) {
	select {
	case got := <-f.started:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("task %v was not started", id)
	}
	require.Eventually(t, func() bool { return f.m.IsRunning(id) }, 5*time.Second, 5*time.Millisecond)
}

func (f *reconcileFixture) task(t *testing.T, id int64) *entity.Task {
	task, err := f.db.GetTask(context.TODO(), types.GetTaskOption{Id: id})
	require.NoError(t, err)
	return task
}

func blockUntilCanceled(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
	<-ctx.Done()
	return -1, nil
}

// One queued, one running, one completing while the request is handled
func TestReconciler_DeleteAccountsForEveryLocation(t *testing.T) {
	f := newReconcileFixture(t, 2*time.Second, blockUntilCanceled)
	f.seed(t, enum.TaskStateSubmitted, 1, 2)
	f.seed(t, enum.TaskStateProcessing, 3)
	f.put(t, 1)
	go f.m.Run(context.Background())
	f.waitStarted(t, 1)
	f.put(t, 2)
	require.Equal(t, 1, f.q.Len())

	f.db.hook = func() {
		_ = f.j.Insert(&JournalEvent{Kind: enum.KindTaskFinished, TaskId: 3, Outcome: enum.OutcomeCompleted, Timestamp: time.Now()})
	}
	res, err := f.r.Delete(context.TODO(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, res.Resolved)
	assert.Empty(t, res.Unresolved)
	assert.True(t, res.AllLocal)

	assert.Equal(t, 0, f.q.Len())
	for _, id := range []int64{1, 2} {
		task := f.task(t, id)
		assert.Equal(t, enum.TaskStateError, task.State, "task %v", id)
		assert.Equal(t, enum.OutcomeDeleted, task.Outcome, "task %v", id)
	}
	node, err := f.db.GetInstanceNode(context.TODO(), types.GetInstanceNodeOption{Id: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), node.Counts.Errored)
}

func TestReconciler_DeleteDeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	f := newReconcileFixture(t, 50*time.Millisecond, func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
		<-release
		return 0, nil
	})
	defer close(release)
	f.seed(t, enum.TaskStateSubmitted, 1, 2)
	f.put(t, 1)
	go f.m.Run(context.Background())
	f.waitStarted(t, 1)
	f.put(t, 2)

	res, err := f.r.Delete(context.TODO(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Resolved)
	assert.Equal(t, []int64{1}, res.Unresolved)
	assert.False(t, res.AllLocal)
}

func TestReconciler_DeleteRemote(t *testing.T) {
	f := newReconcileFixture(t, time.Second, nil)
	f.seed(t, enum.TaskStateProcessing, 1, 2)
	f.seed(t, enum.TaskStateCompleted, 3)
	f.jm.owned[1] = true

	res, err := f.r.Delete(context.TODO(), []int64{1, 2, 3, 99})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 99}, res.Resolved)
	assert.Equal(t, []int64{2}, res.Unresolved)
	assert.False(t, res.AllLocal)
	assert.Equal(t, enum.OutcomeDeleted, f.task(t, 1).Outcome)
	assert.Equal(t, enum.TaskStateCompleted, f.task(t, 3).State, "completed tasks are left alone")

	// Deleting again changes nothing
	res, err = f.r.Delete(context.TODO(), []int64{1, 3})
	require.NoError(t, err)
	assert.True(t, res.AllLocal)
}

func TestReconciler_Halt(t *testing.T) {
	f := newReconcileFixture(t, time.Second, blockUntilCanceled)
	halted := make(chan int64, 4)
	bus.On(f.b, func(m *bus.TaskHalted) { halted <- m.TaskId })

	f.seed(t, enum.TaskStateSubmitted, 1, 2)
	f.seed(t, enum.TaskStateProcessing, 3, 4)
	f.jm.owned[3] = true
	f.put(t, 1)
	go f.m.Run(context.Background())
	f.waitStarted(t, 1)
	f.put(t, 2)

	res, err := f.r.Halt(context.TODO(), []int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Killed)
	assert.Equal(t, []int64{1}, res.Signaled)
	assert.Equal(t, []int64{3}, res.Forwarded)
	assert.Equal(t, []int64{4}, res.Unknown)

	select {
	case id := <-halted:
		assert.Equal(t, int64(1), id)
	case <-time.After(5 * time.Second):
		t.Fatalf("TaskHalted was not published")
	}
	assert.Equal(t, enum.OutcomeKilled, f.task(t, 1).Outcome)
	assert.Equal(t, enum.OutcomeKilled, f.task(t, 2).Outcome)
}

func TestReconciler_Restart(t *testing.T) {
	f := newReconcileFixture(t, time.Second, nil)
	f.seed(t, enum.TaskStateError, 1)
	f.seed(t, enum.TaskStateCompleted, 2)

	restarted, skipped, err := f.r.Restart(context.TODO(), []int64{1, 2, 3}, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, restarted)
	assert.Equal(t, []int64{2, 3}, skipped)

	assert.Equal(t, enum.TaskStateSubmitted, f.task(t, 1).State)
	req := f.q.Peek()
	require.NotNil(t, req)
	assert.Equal(t, int64(1), req.TaskId)
	assert.Equal(t, enum.RunModeRestartFromBeginning, req.RunMode)

	// Not errored anymore
	restarted, skipped, err = f.r.Restart(context.TODO(), []int64{1}, enum.RunModeResubmit)
	require.NoError(t, err)
	assert.Empty(t, restarted)
	assert.Equal(t, []int64{1}, skipped)
}

func TestReconciler_EmptyIdsTouchNothing(t *testing.T) {
	f := newReconcileFixture(t, time.Second, nil)
	f.seed(t, enum.TaskStateSubmitted, 1, 2)
	f.seed(t, enum.TaskStateError, 3)
	f.put(t, 1)

	res, err := f.r.Delete(context.TODO(), []int64{})
	require.NoError(t, err)
	assert.Empty(t, res.Resolved)
	assert.Empty(t, res.Unresolved)
	assert.True(t, res.AllLocal)

	halted, err := f.r.Halt(context.TODO(), nil)
	require.NoError(t, err)
	assert.Empty(t, halted.Killed)

	restarted, skipped, err := f.r.Restart(context.TODO(), nil, enum.RunModeResubmit)
	require.NoError(t, err)
	assert.Empty(t, restarted)
	assert.Empty(t, skipped)

	assert.Equal(t, 1, f.q.Len())
	for _, id := range []int64{1, 2} {
		assert.Equal(t, enum.TaskStateSubmitted, f.task(t, id).State, "task %v", id)
	}
	assert.Equal(t, enum.TaskStateError, f.task(t, 3).State)
}
