package entity

import (
	"database/sql"
	"fmt"

	"github.com/mykube-run/sluice/pkg/enum"
)

// WorkerResources is either the cluster-wide default or a per pipeline definition node override.
// Unset fields fall back to the default instance.
type WorkerResources struct {
	DefinitionNodeId int64         `json:"definitionNodeId" bson:"_id"`
	WorkerCount      sql.NullInt64 `json:"workerCount" bson:"workerCount"`
	MemoryMB         sql.NullInt64 `json:"memoryMB" bson:"memoryMB"`
}

// NewWorkerResources returns a fully specified WorkerResources
func NewWorkerResources(workers int, memoryMB int64) WorkerResources {
	return WorkerResources{
		WorkerCount: sql.NullInt64{Int64: int64(workers), Valid: true},
		MemoryMB:    sql.NullInt64{Int64: memoryMB, Valid: true},
	}
}

// IsDefault returns true when neither field overrides the default
func (r WorkerResources) IsDefault() bool {
	return !r.WorkerCount.Valid && !r.MemoryMB.Valid
}

func (r *WorkerResources) Fields() []interface{} {
	return []interface{}{&r.DefinitionNodeId, &r.WorkerCount, &r.MemoryMB}
}

// Merge resolves r against defaults. The result never carries unset values.
func (r WorkerResources) Merge(defaults WorkerResources) (ResolvedResources, error) {
	if !defaults.WorkerCount.Valid || !defaults.MemoryMB.Valid {
		return ResolvedResources{}, enum.ErrResourcesUnset
	}
	res := ResolvedResources{
		DefinitionNodeId: r.DefinitionNodeId,
		WorkerCount:      int(defaults.WorkerCount.Int64),
		MemoryMB:         defaults.MemoryMB.Int64,
	}
	if r.WorkerCount.Valid {
		res.WorkerCount = int(r.WorkerCount.Int64)
	}
	if r.MemoryMB.Valid {
		res.MemoryMB = r.MemoryMB.Int64
	}
	if res.WorkerCount < 1 {
		return res, fmt.Errorf("definition node %v resolved %v workers: %w",
			r.DefinitionNodeId, res.WorkerCount, enum.ErrInvalidWorkerCount)
	}
	return res, nil
}

// ResolvedResources is the concrete worker count and memory ceiling used for one dispatch cycle
type ResolvedResources struct {
	DefinitionNodeId int64 `json:"definitionNodeId"`
	WorkerCount      int   `json:"workerCount"`
	MemoryMB         int64 `json:"memoryMB"`
}
