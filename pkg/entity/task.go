package entity

import (
	"database/sql"
	"time"

	"github.com/mykube-run/sluice/pkg/enum"
)

// Tasks is an array of Task
type Tasks []*Task

// Ids returns task ids
func (ts Tasks) Ids() []int64 {
	val := make([]int64, 0, len(ts))
	for _, t := range ts {
		val = append(val, t.Id)
	}
	return val
}

// ByState groups task ids by state
func (ts Tasks) ByState() map[enum.TaskState][]int64 {
	val := make(map[enum.TaskState][]int64)
	for _, t := range ts {
		val[t.State] = append(val[t.State], t.Id)
	}
	return val
}

// Task defines one unit of work within a pipeline instance node
type Task struct {
	Id               int64          `json:"id" bson:"_id"`
	InstanceId       int64          `json:"instanceId" bson:"instanceId"`
	InstanceNodeId   int64          `json:"instanceNodeId" bson:"instanceNodeId"`
	DefinitionNodeId int64          `json:"definitionNodeId" bson:"definitionNodeId"`
	ModuleName       string         `json:"moduleName" bson:"moduleName"`
	State            enum.TaskState `json:"state" bson:"state"`
	Outcome          enum.Outcome   `json:"outcome" bson:"outcome"`
	Priority         int32          `json:"priority" bson:"priority"`
	FailureCount     int32          `json:"failureCount" bson:"failureCount"`
	Worker           string         `json:"worker" bson:"worker"`
	SubmittedAt      time.Time      `json:"submittedAt" bson:"submittedAt"`
	StartedAt        sql.NullTime   `json:"startedAt" bson:"startedAt"`
	EndedAt          sql.NullTime   `json:"endedAt" bson:"endedAt"`
}

func (t *Task) Fields() []interface{} {
	return []interface{}{
		&t.Id, &t.InstanceId, &t.InstanceNodeId, &t.DefinitionNodeId, &t.ModuleName, &t.State, &t.Outcome,
		&t.Priority, &t.FailureCount, &t.Worker, &t.SubmittedAt, &t.StartedAt, &t.EndedAt,
	}
}

// TaskCounts summarizes the task population of an instance node
type TaskCounts struct {
	Total      int64 `json:"total" bson:"total"`
	Submitted  int64 `json:"submitted" bson:"submitted"`
	Processing int64 `json:"processing" bson:"processing"`
	Completed  int64 `json:"completed" bson:"completed"`
	Errored    int64 `json:"errored" bson:"errored"`
}

// Add counts one task in the given state
func (c *TaskCounts) Add(s enum.TaskState) {
	c.Total += 1
	switch s {
	case enum.TaskStateSubmitted:
		c.Submitted += 1
	case enum.TaskStateProcessing:
		c.Processing += 1
	case enum.TaskStateCompleted:
		c.Completed += 1
	case enum.TaskStateError:
		c.Errored += 1
	}
}

// Resolved returns true when every task is either completed or errored
func (c TaskCounts) Resolved() bool {
	return c.Total > 0 && c.Completed+c.Errored == c.Total
}

// AllCompleted returns true when every task completed without error
func (c TaskCounts) AllCompleted() bool {
	return c.Total > 0 && c.Completed == c.Total
}
