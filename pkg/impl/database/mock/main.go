// Package mock implements an in-memory types.DB, used by single-process deployments and tests
package mock

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

type MockDB struct {
	mu        sync.Mutex
	tasks     map[int64]entity.Task
	nodes     map[int64]entity.InstanceNode
	resources map[int64]entity.WorkerResources
}

func NewMockDB() *MockDB {
	return &MockDB{
		tasks:     make(map[int64]entity.Task),
		nodes:     make(map[int64]entity.InstanceNode),
		resources: make(map[int64]entity.WorkerResources),
	}
}

func (m *MockDB) GetTask(ctx context.Context, opt types.GetTaskOption) (*entity.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[opt.Id]
	if !ok {
		return nil, enum.ErrTaskNotFound
	}
	return &t, nil
}

func (m *MockDB) FindTasks(ctx context.Context, opt types.FindTasksOption) (entity.Tasks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[int64]bool, len(opt.Ids))
	for _, id := range opt.Ids {
		ids[id] = true
	}
	tasks := make(entity.Tasks, 0)
	for _, t := range m.tasks {
		if len(ids) > 0 && !ids[t.Id] {
			continue
		}
		if len(opt.States) > 0 && !hasState(opt.States, t.State) {
			continue
		}
		if opt.InstanceNodeId != nil && t.InstanceNodeId != *opt.InstanceNodeId {
			continue
		}
		cp := t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Id < tasks[j].Id })
	return tasks, nil
}

func (m *MockDB) CreateTask(ctx context.Context, t entity.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	m.tasks[t.Id] = t
	return nil
}

func (m *MockDB) UpdateTaskState(ctx context.Context, opt types.UpdateTaskStateOption) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now()
	for _, id := range opt.Ids {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		if len(opt.From) > 0 && !hasState(opt.From, t.State) {
			continue
		}
		applyState(&t, opt, now)
		m.tasks[id] = t
		n++
	}
	return n, nil
}

func (m *MockDB) CreateInstanceNode(ctx context.Context, n entity.InstanceNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	m.nodes[n.Id] = n
	return nil
}

func (m *MockDB) GetInstanceNode(ctx context.Context, opt types.GetInstanceNodeOption) (*entity.InstanceNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[opt.Id]
	if !ok {
		return nil, enum.ErrInstanceNodeNotFound
	}
	return &n, nil
}

func (m *MockDB) SetTransitionComplete(ctx context.Context, opt types.SetTransitionCompleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[opt.InstanceNodeId]
	if !ok {
		return enum.ErrInstanceNodeNotFound
	}
	n.TransitionComplete = opt.Complete
	n.UpdatedAt = time.Now()
	m.nodes[n.Id] = n
	return nil
}

func (m *MockDB) CountTasks(ctx context.Context, opt types.CountTasksOption) (entity.TaskCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count(opt.InstanceNodeId), nil
}

func (m *MockDB) RecomputeCounts(ctx context.Context, opt types.RecomputeCountsOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range opt.InstanceNodeIds {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		n.Counts = m.count(id)
		n.UpdatedAt = time.Now()
		m.nodes[id] = n
	}
	return nil
}

func (m *MockDB) GetWorkerResources(ctx context.Context, opt types.GetWorkerResourcesOption) (*entity.WorkerResources, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[opt.DefinitionNodeId]
	if !ok {
		// Nothing stored means no override
		return &entity.WorkerResources{DefinitionNodeId: opt.DefinitionNodeId}, nil
	}
	return &r, nil
}

func (m *MockDB) SaveWorkerResources(ctx context.Context, r entity.WorkerResources) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.DefinitionNodeId] = r
	return nil
}

func (m *MockDB) Close() error {
	return nil
}

func (m *MockDB) count(instanceNodeId int64) entity.TaskCounts {
	var c entity.TaskCounts
	for _, t := range m.tasks {
		if t.InstanceNodeId == instanceNodeId {
			c.Add(t.State)
		}
	}
	return c
}

func applyState(t *entity.Task, opt types.UpdateTaskStateOption, now time.Time) {
	t.State = opt.State
	t.Outcome = opt.Outcome
	if opt.Worker != "" {
		t.Worker = opt.Worker
	}
	switch opt.State {
	case enum.TaskStateProcessing:
		t.StartedAt = sql.NullTime{Time: now, Valid: true}
		t.EndedAt = sql.NullTime{}
	case enum.TaskStateCompleted:
		t.EndedAt = sql.NullTime{Time: now, Valid: true}
	case enum.TaskStateError:
		t.EndedAt = sql.NullTime{Time: now, Valid: true}
		t.FailureCount += 1
	case enum.TaskStateSubmitted:
		t.StartedAt, t.EndedAt = sql.NullTime{}, sql.NullTime{}
	}
}

func hasState(states []enum.TaskState, s enum.TaskState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
