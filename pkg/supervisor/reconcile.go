package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/queue"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/mykube-run/sluice/pkg/worker"
)

// Result reports which requested ids were accounted for locally
type Result struct {
	Resolved   []int64
	Unresolved []int64
	// AllLocal is false when some ids may still execute elsewhere and need out-of-band reconciliation
	AllLocal bool
}

type HaltResult struct {
	Killed    []int64
	Signaled  []int64
	Forwarded []int64
	Unknown   []int64
}

// NopJobMonitor is used when tasks never run on remote infrastructure
type NopJobMonitor struct{}

func (NopJobMonitor) Halt(ctx context.Context, ids []int64) ([]int64, error)      { return nil, nil }
func (NopJobMonitor) Terminate(ctx context.Context, ids []int64) ([]int64, error) { return nil, nil }

// Reconciler applies kill, halt, delete and restart requests wherever the tasks currently are:
// the queue, a local handler or a remote job.
type Reconciler struct {
	id       string
	m        *worker.Manager
	q        *queue.TaskQueue
	db       types.DB
	jm       types.JobMonitor
	j        *Journal
	deadline time.Duration
	lg       types.Logger
	ls       types.Listener
}

func NewReconciler(id string, m *worker.Manager, q *queue.TaskQueue, db types.DB, jm types.JobMonitor, j *Journal,
	deadline time.Duration, lg types.Logger, ls types.Listener) *Reconciler {
	if jm == nil {
		jm = NopJobMonitor{}
	}
	return &Reconciler{id: id, m: m, q: q, db: db, jm: jm, j: j, deadline: deadline, lg: lg, ls: ls}
}

// Kill removes queued tasks only
func (r *Reconciler) Kill(ctx context.Context, ids []int64) []int64 {
	return r.m.Kill(ctx, ids)
}

// Halt kills queued tasks, stops local handlers and forwards the rest to the job monitor.
// Signaled tasks are acknowledged with TaskHalted once they exited.
func (r *Reconciler) Halt(ctx context.Context, ids []int64) (HaltResult, error) {
	var res HaltResult
	if len(ids) == 0 {
		return res, nil
	}
	res.Killed = r.m.Kill(ctx, ids)
	rest := without(ids, res.Killed)

	for id := range r.m.Signal(rest, enum.OutcomeKilled) {
		res.Signaled = append(res.Signaled, id)
	}
	sortIds(res.Signaled)
	rest = without(rest, res.Signaled)
	if len(rest) == 0 {
		return res, nil
	}

	forwarded, err := r.jm.Halt(ctx, rest)
	if err != nil {
		res.Unknown = rest
		return res, fmt.Errorf("halt remote jobs: %w", err)
	}
	res.Forwarded = forwarded
	res.Unknown = without(rest, forwarded)
	return res, nil
}

// Delete removes the tasks wherever they are. Tasks that never started are marked deleted in the
// store, local executions are stopped and waited for up to the delete deadline, remote executions
// are terminated through the job monitor. Tasks that completed while the request was handled
// count as resolved.
func (r *Reconciler) Delete(ctx context.Context, ids []int64) (Result, error) {
	start := time.Now()
	res := Result{AllLocal: true}
	if len(ids) == 0 {
		// An empty id filter would match every task in the store
		return res, nil
	}
	resolved := make(map[int64]bool, len(ids))

	dequeued := r.q.RemoveTasks(ids)
	tasks, err := r.db.FindTasks(ctx, types.FindTasksOption{Ids: ids})
	if err != nil {
		r.requeue(dequeued)
		return res, fmt.Errorf("find tasks: %w", err)
	}
	byId := make(map[int64]*entity.Task, len(tasks))
	nodes := make(map[int64]bool)
	for _, t := range tasks {
		byId[t.Id] = t
		nodes[t.InstanceNodeId] = true
	}

	// Never dispatched
	var pending []int64
	for _, t := range tasks {
		switch t.State {
		case enum.TaskStateInitialized, enum.TaskStateSubmitted:
			pending = append(pending, t.Id)
		case enum.TaskStateCompleted, enum.TaskStateError:
			resolved[t.Id] = true
		}
	}
	if len(pending) > 0 {
		_, err = r.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{
			Ids: pending, State: enum.TaskStateError, Outcome: enum.OutcomeDeleted,
			From: []enum.TaskState{enum.TaskStateInitialized, enum.TaskStateSubmitted},
		})
		if err != nil {
			return res, fmt.Errorf("mark submitted tasks deleted: %w", err)
		}
		for _, id := range pending {
			resolved[id] = true
			r.ls.OnTaskDeleted(types.ListenerEvent{ProcessId: r.id, TaskId: id, InstanceNodeId: byId[id].InstanceNodeId,
				Outcome: enum.OutcomeDeleted})
		}
	}
	for _, id := range ids {
		if _, ok := byId[id]; !ok {
			// Nothing to delete
			resolved[id] = true
		}
	}

	// Running in a local handler
	waits := r.m.Signal(unresolved(ids, resolved), enum.OutcomeDeleted)
	if len(waits) > 0 {
		wctx, cancel := context.WithTimeout(ctx, r.deadline)
		for id, done := range waits {
			select {
			case <-done:
				resolved[id] = true
			case <-wctx.Done():
				r.lg.Log(types.LevelWarn, "taskId", id, "deadline", r.deadline,
					"message", "deleted task did not exit before the deadline")
			}
		}
		cancel()
	}

	// Running elsewhere, or finished in the meantime
	var remote []int64
	for _, id := range unresolved(ids, resolved) {
		if _, local := waits[id]; local {
			continue
		}
		if ok, err := r.completedSince(ctx, id, start); err != nil {
			return res, err
		} else if ok {
			resolved[id] = true
			continue
		}
		remote = append(remote, id)
	}
	if len(remote) > 0 {
		terminated, err := r.jm.Terminate(ctx, remote)
		if err != nil {
			r.lg.Log(types.LevelError, "tasks", remote, "error", err, "message", "failed to terminate remote jobs")
		}
		for _, id := range terminated {
			resolved[id] = true
		}
		if len(terminated) > 0 {
			_, err = r.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{
				Ids: terminated, State: enum.TaskStateError, Outcome: enum.OutcomeDeleted,
				From: []enum.TaskState{enum.TaskStateProcessing},
			})
			if err != nil {
				return res, fmt.Errorf("mark terminated tasks deleted: %w", err)
			}
		}
	}

	if len(nodes) > 0 {
		opt := types.RecomputeCountsOption{}
		for id := range nodes {
			opt.InstanceNodeIds = append(opt.InstanceNodeIds, id)
		}
		sortIds(opt.InstanceNodeIds)
		if err = r.db.RecomputeCounts(ctx, opt); err != nil {
			return res, fmt.Errorf("recompute counts: %w", err)
		}
	}

	for _, id := range ids {
		if resolved[id] {
			res.Resolved = append(res.Resolved, id)
		} else {
			res.Unresolved = append(res.Unresolved, id)
		}
	}
	res.AllLocal = len(res.Unresolved) == 0
	r.lg.Log(types.LevelInfo, "resolved", res.Resolved, "unresolved", res.Unresolved, "dequeued", len(dequeued),
		"message", "handled delete tasks request")
	return res, nil
}

// Restart resets errored tasks to submitted and queues them again. Tasks in any other state are skipped.
func (r *Reconciler) Restart(ctx context.Context, ids []int64, mode enum.RunMode) (restarted, skipped []int64, err error) {
	if mode == "" || mode == enum.RunModeStandard {
		mode = enum.RunModeRestartFromBeginning
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	tasks, err := r.db.FindTasks(ctx, types.FindTasksOption{Ids: ids})
	if err != nil {
		return nil, ids, fmt.Errorf("find tasks: %w", err)
	}
	candidates := make(map[int64]*entity.Task)
	for _, t := range tasks {
		if t.State == enum.TaskStateError && !r.m.IsRunning(t.Id) {
			candidates[t.Id] = t
		}
	}

	for _, id := range ids {
		t, ok := candidates[id]
		if !ok {
			skipped = append(skipped, id)
			continue
		}
		n, err := r.db.UpdateTaskState(ctx, types.UpdateTaskStateOption{
			Ids: []int64{id}, State: enum.TaskStateSubmitted, From: []enum.TaskState{enum.TaskStateError},
		})
		if err != nil {
			return restarted, skipped, fmt.Errorf("reset task %v: %w", id, err)
		}
		if n == 0 {
			skipped = append(skipped, id)
			continue
		}
		req := &bus.TaskRequest{
			InstanceId: t.InstanceId, InstanceNodeId: t.InstanceNodeId, DefinitionNodeId: t.DefinitionNodeId,
			TaskId: t.Id, Priority: t.Priority, RunMode: mode,
		}
		if err = r.q.Put(req); err != nil {
			return restarted, skipped, fmt.Errorf("queue task %v: %w", id, err)
		}
		restarted = append(restarted, id)
	}
	return restarted, skipped, nil
}

func (r *Reconciler) completedSince(ctx context.Context, id int64, t time.Time) (bool, error) {
	task, err := r.db.GetTask(ctx, types.GetTaskOption{Id: id})
	if err != nil {
		return false, fmt.Errorf("get task %v: %w", id, err)
	}
	if task.State == enum.TaskStateCompleted {
		return true, nil
	}
	if r.j == nil {
		return false, nil
	}
	ok, err := r.j.CompletedSince(id, t)
	if err != nil {
		r.lg.Log(types.LevelWarn, "taskId", id, "error", err, "message", "failed to read task journal")
		return false, nil
	}
	return ok, nil
}

func (r *Reconciler) requeue(reqs []*bus.TaskRequest) {
	for _, req := range reqs {
		if err := r.q.Put(req); err != nil {
			r.lg.Log(types.LevelError, "taskId", req.TaskId, "error", err, "message", "failed to put back task request")
		}
	}
}

func without(ids, remove []int64) []int64 {
	if len(remove) == 0 {
		return ids
	}
	set := make(map[int64]bool, len(remove))
	for _, id := range remove {
		set[id] = true
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !set[id] {
			out = append(out, id)
		}
	}
	return out
}

func unresolved(ids []int64, resolved map[int64]bool) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !resolved[id] {
			out = append(out, id)
		}
	}
	return out
}

func sortIds(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
