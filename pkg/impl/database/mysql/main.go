package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

type MySQL struct {
	db *sql.DB
}

func New(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}
	my := &MySQL{db: db}
	return my, nil
}

func (m *MySQL) GetTask(ctx context.Context, opt types.GetTaskOption) (*entity.Task, error) {
	row := m.db.QueryRowContext(ctx, StmtGetTask, opt.Id)
	task := new(entity.Task)
	err := row.Scan(task.Fields()...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, enum.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (m *MySQL) FindTasks(ctx context.Context, opt types.FindTasksOption) (entity.Tasks, error) {
	tasks := make(entity.Tasks, 0)
	q := make([]string, 0)
	args := make([]interface{}, 0)
	where := ""

	if len(opt.Ids) > 0 {
		q = append(q, fmt.Sprintf("id IN (%v)", inPlaceHolders(len(opt.Ids))))
		for i := range opt.Ids {
			args = append(args, opt.Ids[i])
		}
	}
	if len(opt.States) > 0 {
		q = append(q, fmt.Sprintf("state IN (%v)", inPlaceHolders(len(opt.States))))
		for i := range opt.States {
			args = append(args, opt.States[i])
		}
	}
	if opt.InstanceNodeId != nil {
		q = append(q, "instance_node_id = ?")
		args = append(args, *opt.InstanceNodeId)
	}
	if len(q) > 0 {
		where = "WHERE " + strings.Join(q, " AND ")
	}
	stmt := fmt.Sprintf(TemplateFindTasks, where)

	rows, err := m.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, noRowsAsNil(err)
	}
	defer rows.Close()
	for rows.Next() {
		t := new(entity.Task)
		if err = rows.Scan(t.Fields()...); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (m *MySQL) CreateTask(ctx context.Context, t entity.Task) error {
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, StmtInsertTask, t.Id, t.InstanceId, t.InstanceNodeId, t.DefinitionNodeId,
		t.ModuleName, t.State, t.Outcome, t.Priority, t.FailureCount, t.Worker, t.SubmittedAt)
	return err
}

func (m *MySQL) UpdateTaskState(ctx context.Context, opt types.UpdateTaskStateOption) (int64, error) {
	if len(opt.Ids) == 0 {
		return 0, nil
	}

	now := time.Now()
	set := []string{"state = ?", "outcome = ?"}
	args := []interface{}{opt.State, opt.Outcome}
	if opt.Worker != "" {
		set = append(set, "worker = ?")
		args = append(args, opt.Worker)
	}
	switch opt.State {
	case enum.TaskStateProcessing:
		set = append(set, "started_at = ?", "ended_at = NULL")
		args = append(args, now)
	case enum.TaskStateCompleted:
		set = append(set, "ended_at = ?")
		args = append(args, now)
	case enum.TaskStateError:
		set = append(set, "ended_at = ?", "failure_count = failure_count + 1")
		args = append(args, now)
	case enum.TaskStateSubmitted:
		set = append(set, "started_at = NULL", "ended_at = NULL")
	}

	where := fmt.Sprintf("id IN (%v)", inPlaceHolders(len(opt.Ids)))
	for i := range opt.Ids {
		args = append(args, opt.Ids[i])
	}
	if len(opt.From) > 0 {
		where += fmt.Sprintf(" AND state IN (%v)", inPlaceHolders(len(opt.From)))
		for i := range opt.From {
			args = append(args, opt.From[i])
		}
	}
	stmt := fmt.Sprintf(TemplateUpdateTaskState, strings.Join(set, ", "), where)
	res, err := m.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m *MySQL) CreateInstanceNode(ctx context.Context, n entity.InstanceNode) error {
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	_, err := m.db.ExecContext(ctx, StmtInsertInstanceNode, n.Id, n.InstanceId, n.DefinitionNodeId, n.ModuleName,
		n.TransitionComplete, n.Counts.Total, n.Counts.Submitted, n.Counts.Processing, n.Counts.Completed,
		n.Counts.Errored, n.CreatedAt, now)
	return err
}

func (m *MySQL) GetInstanceNode(ctx context.Context, opt types.GetInstanceNodeOption) (*entity.InstanceNode, error) {
	row := m.db.QueryRowContext(ctx, StmtGetInstanceNode, opt.Id)
	n := new(entity.InstanceNode)
	if err := row.Scan(n.Fields()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, enum.ErrInstanceNodeNotFound
		}
		return nil, err
	}
	return n, nil
}

func (m *MySQL) SetTransitionComplete(ctx context.Context, opt types.SetTransitionCompleteOption) error {
	res, err := m.db.ExecContext(ctx, StmtSetTransitionComplete, opt.Complete, time.Now(), opt.InstanceNodeId)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// RowsAffected is 0 when the value did not change as well
		if _, err = m.GetInstanceNode(ctx, types.GetInstanceNodeOption{Id: opt.InstanceNodeId}); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQL) CountTasks(ctx context.Context, opt types.CountTasksOption) (entity.TaskCounts, error) {
	return countTasks(ctx, m.db, opt.InstanceNodeId)
}

// RecomputeCounts updates the cached counts of every instance node in a single transaction
func (m *MySQL) RecomputeCounts(ctx context.Context, opt types.RecomputeCountsOption) error {
	if len(opt.InstanceNodeIds) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, id := range opt.InstanceNodeIds {
		c, err := countTasks(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("count tasks of instance node %v: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, StmtUpdateInstanceNodeCounts,
			c.Total, c.Submitted, c.Processing, c.Completed, c.Errored, now, id)
		if err != nil {
			return fmt.Errorf("update counts of instance node %v: %w", id, err)
		}
	}
	return tx.Commit()
}

func (m *MySQL) GetWorkerResources(ctx context.Context, opt types.GetWorkerResourcesOption) (*entity.WorkerResources, error) {
	row := m.db.QueryRowContext(ctx, StmtGetWorkerResources, opt.DefinitionNodeId)
	r := new(entity.WorkerResources)
	if err := row.Scan(r.Fields()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &entity.WorkerResources{DefinitionNodeId: opt.DefinitionNodeId}, nil
		}
		return nil, err
	}
	return r, nil
}

func (m *MySQL) SaveWorkerResources(ctx context.Context, r entity.WorkerResources) error {
	_, err := m.db.ExecContext(ctx, StmtSaveWorkerResources, r.DefinitionNodeId, r.WorkerCount, r.MemoryMB)
	return err
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func countTasks(ctx context.Context, q querier, instanceNodeId int64) (entity.TaskCounts, error) {
	var c entity.TaskCounts
	rows, err := q.QueryContext(ctx, StmtCountTasks, instanceNodeId)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s enum.TaskState
			n int64
		)
		if err = rows.Scan(&s, &n); err != nil {
			return c, err
		}
		for i := int64(0); i < n; i++ {
			c.Add(s)
		}
	}
	return c, rows.Err()
}

func noRowsAsNil(err error) error {
	if err == sql.ErrNoRows {
		return nil
	} else {
		return err
	}
}

// inPlaceHolders returns n question-mark (?) place holders seperated by ', '
func inPlaceHolders(n int) string {
	if n == 0 {
		return ""
	}

	tmp := make([]string, n)
	for i := 0; i < n; i++ {
		tmp[i] = "?"
	}
	return strings.Join(tmp, ", ")
}
