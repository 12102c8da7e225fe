package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/queue"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/panjf2000/ants/v2"
)

// RetryInterval is how long the manager waits before retrying a cycle that failed on the database
var RetryInterval = time.Second

type Options struct {
	Id       string // Process id, recorded as the worker of started tasks
	Executor types.Executor
	Advancer types.NodeAdvancer
}

// Manager is the worker pool lifecycle manager. Every dispatch cycle takes the next task request,
// sizes the pool for its definition node and runs that many handlers until all of them exited.
type Manager struct {
	id   string
	q    *queue.TaskQueue
	b    *bus.Bus
	db   types.DB
	rm   *ResourceManager
	tr   *Transitioner
	exec types.Executor
	lg   types.Logger
	ls   types.Listener

	pool    *ants.Pool
	running sync.Map // Task id => *runningTask
	active  int32

	mu      sync.Mutex
	current entity.ResolvedResources
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(opt Options, q *queue.TaskQueue, b *bus.Bus, db types.DB, rm *ResourceManager,
	lg types.Logger, ls types.Listener) (*Manager, error) {
	size := int(rm.Defaults().WorkerCount.Int64)
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		id:   opt.Id,
		q:    q,
		b:    b,
		db:   db,
		rm:   rm,
		tr:   NewTransitioner(opt.Id, db, opt.Advancer, b, lg, ls),
		exec: opt.Executor,
		lg:   lg,
		ls:   ls,
		pool: pool,
		done: make(chan struct{}),
	}
	return m, nil
}

// Run blocks running dispatch cycles until ctx is done or Stop is called
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer close(m.done)
	defer cancel()

	for {
		req, err := m.q.Take(ctx)
		if err != nil {
			m.lg.Log(types.LevelInfo, "reason", err, "message", "worker pool lifecycle manager exited")
			return
		}
		if !m.cycle(ctx, req) {
			select {
			case <-ctx.Done():
			case <-time.After(RetryInterval):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// cycle sizes the pool for the request's definition node and blocks until every handler exited.
// It returns false when the cycle should be retried later.
func (m *Manager) cycle(ctx context.Context, req *bus.TaskRequest) bool {
	res, err := m.rm.Resolve(ctx, req.DefinitionNodeId)
	if err != nil {
		if IsConfigError(err) {
			m.abort(ctx, req, err)
			return true
		}
		m.lg.Log(types.LevelError, "definitionNodeId", req.DefinitionNodeId, "error", err,
			"message", "failed to resolve worker resources, retrying")
		if err = m.q.Put(req); err != nil {
			m.lg.Log(types.LevelError, "taskId", req.TaskId, "error", err, "message", "failed to put back task request")
		}
		return false
	}

	m.mu.Lock()
	m.current = res
	m.mu.Unlock()
	m.publish(&bus.WorkerResourcesUpdate{Resources: res})
	m.lg.Log(types.LevelInfo, "definitionNodeId", res.DefinitionNodeId, "workers", res.WorkerCount,
		"memoryMB", res.MemoryMB, "message", "starting dispatch cycle")

	if err = m.q.Put(req); err != nil {
		return true
	}
	m.pool.Tune(res.WorkerCount)

	var wg sync.WaitGroup
	for i := 0; i < res.WorkerCount; i++ {
		h := &handler{m: m, res: res}
		wg.Add(1)
		err = m.pool.Submit(func() {
			defer wg.Done()
			h.run(ctx)
		})
		if err != nil {
			wg.Done()
			m.lg.Log(types.LevelError, "error", err, "message", "failed to start task handler")
		}
	}
	wg.Wait()
	m.lg.Log(types.LevelDebug, "definitionNodeId", res.DefinitionNodeId, "message", "dispatch cycle drained")
	return true
}

// abort fails the request loudly, a configuration error must not silently stall the queue
func (m *Manager) abort(ctx context.Context, req *bus.TaskRequest, cause error) {
	m.lg.Log(types.LevelError, "definitionNodeId", req.DefinitionNodeId, "taskId", req.TaskId, "error", cause,
		"message", "invalid worker resources configuration, aborting dispatch cycle")
	_, err := m.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{
		Ids: []int64{req.TaskId}, State: enum.TaskStateError, Outcome: enum.OutcomeErrored,
	})
	if err != nil {
		m.lg.Log(types.LevelError, "taskId", req.TaskId, "error", err, "message", "failed to mark task errored")
	}
	m.publish(&bus.TaskFinished{TaskId: req.TaskId, InstanceNodeId: req.InstanceNodeId, Outcome: enum.OutcomeErrored})
	m.alert(req.TaskId, req.InstanceNodeId, "invalid worker resources configuration: "+cause.Error())
}

// Stop cancels every handler, clears the queue and releases the pool
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if n := len(m.q.Clear()); n > 0 {
		m.lg.Log(types.LevelInfo, "tasks", n, "message", "cleared task queue on shutdown")
	}
	m.pool.Release()
}

// Done is closed once Run returned
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Kill removes queued requests and acknowledges every removed task with TaskKilled.
// Killed tasks are marked errored in the database unless they were already picked up.
func (m *Manager) Kill(ctx context.Context, ids []int64) []int64 {
	removed := m.q.RemoveTasks(ids)
	killed := make([]int64, 0, len(removed))
	for _, r := range removed {
		killed = append(killed, r.TaskId)
	}
	if len(killed) == 0 {
		return killed
	}
	_, err := m.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{
		Ids: killed, State: enum.TaskStateError, Outcome: enum.OutcomeKilled,
		From: []enum.TaskState{enum.TaskStateInitialized, enum.TaskStateSubmitted},
	})
	if err != nil {
		m.lg.Log(types.LevelError, "tasks", killed, "error", err, "message", "failed to mark killed tasks")
	}
	for _, r := range removed {
		m.publish(&bus.TaskKilled{TaskId: r.TaskId})
		m.ls.OnTaskKilled(types.ListenerEvent{ProcessId: m.id, TaskId: r.TaskId, InstanceNodeId: r.InstanceNodeId,
			Outcome: enum.OutcomeKilled})
	}
	return killed
}

// Signal stops the local processes of the given tasks. It returns a channel per signaled task that is
// closed once the task's final state was recorded; tasks not running here are left out.
func (m *Manager) Signal(ids []int64, reason enum.Outcome) map[int64]<-chan struct{} {
	out := make(map[int64]<-chan struct{})
	for _, id := range ids {
		v, ok := m.running.Load(id)
		if !ok {
			continue
		}
		rt := v.(*runningTask)
		rt.stop(reason)
		out[id] = rt.done
	}
	return out
}

// Running returns the ids of tasks whose process is running in a local handler
func (m *Manager) Running() []int64 {
	ids := make([]int64, 0)
	m.running.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(int64))
		return true
	})
	return ids
}

// IsRunning returns true when the task's process runs in a local handler
func (m *Manager) IsRunning(id int64) bool {
	_, ok := m.running.Load(id)
	return ok
}

// ActiveHandlers returns the number of handlers currently alive
func (m *Manager) ActiveHandlers() int {
	return int(atomic.LoadInt32(&m.active))
}

// Current returns the resources of the current, or latest, dispatch cycle
func (m *Manager) Current() entity.ResolvedResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) finish(task *entity.Task, state enum.TaskState, outcome enum.Outcome, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{Ids: []int64{task.Id}, State: state, Outcome: outcome})
	if err != nil {
		m.lg.Log(types.LevelError, "taskId", task.Id, "state", state, "error", err, "message", "failed to update task state")
	}
	m.publish(&bus.TaskFinished{TaskId: task.Id, InstanceNodeId: task.InstanceNodeId, Outcome: outcome, ExitCode: code})
	m.lg.Log(types.LevelInfo, "taskId", task.Id, "outcome", outcome, "exitCode", code, "message", "finished processing task")
}

func (m *Manager) alert(taskId, instanceNodeId int64, msg string) {
	m.publish(&bus.TaskAlert{TaskId: taskId, InstanceNodeId: instanceNodeId, Message: msg})
	m.ls.OnTaskAlert(types.ListenerEvent{ProcessId: m.id, TaskId: taskId, InstanceNodeId: instanceNodeId,
		Outcome: enum.OutcomeErrored, Message: msg})
}

func (m *Manager) publish(msg bus.Message) {
	if err := m.b.Publish(msg); err != nil && !errors.Is(err, enum.ErrBusStopped) {
		m.lg.Log(types.LevelWarn, "kind", msg.Kind(), "error", err, "message", "failed to publish message")
	}
}
