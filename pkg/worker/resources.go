package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

// ResourceManager resolves the worker resources of pipeline definition nodes: per node
// overrides stored in the database fall back to the cluster-wide defaults.
type ResourceManager struct {
	db types.DB
	lg types.Logger

	mu       sync.RWMutex
	defaults entity.WorkerResources
}

func NewResourceManager(db types.DB, defaults entity.WorkerResources, lg types.Logger) *ResourceManager {
	defaults.DefinitionNodeId = 0
	return &ResourceManager{db: db, defaults: defaults, lg: lg}
}

func (rm *ResourceManager) Defaults() entity.WorkerResources {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.defaults
}

// SetDefaults replaces the defaults, used by the next dispatch cycle
func (rm *ResourceManager) SetDefaults(r entity.WorkerResources) {
	r.DefinitionNodeId = 0
	rm.mu.Lock()
	rm.defaults = r
	rm.mu.Unlock()
}

// Resolve returns the effective resources of a definition node, 0 resolves the defaults alone.
// Configuration errors wrap enum.ErrInvalidWorkerCount or enum.ErrResourcesUnset, see IsConfigError.
func (rm *ResourceManager) Resolve(ctx context.Context, definitionNodeId int64) (entity.ResolvedResources, error) {
	override := entity.WorkerResources{DefinitionNodeId: definitionNodeId}
	if definitionNodeId != 0 {
		r, err := rm.db.GetWorkerResources(ctx, types.GetWorkerResourcesOption{DefinitionNodeId: definitionNodeId})
		if err != nil {
			return entity.ResolvedResources{}, err
		}
		override = *r
		override.DefinitionNodeId = definitionNodeId
	}
	return override.Merge(rm.Defaults())
}

// Attach answers WorkerResourcesRequest messages on b
func (rm *ResourceManager) Attach(b *bus.Bus) *bus.Subscription {
	return bus.On(b, func(m *bus.WorkerResourcesRequest) {
		// Resolving reads the database, keep it off the delivery goroutine
		go func() {
			reply := &bus.WorkerResourcesResponse{Requestor: bus.ReplyTo(m)}
			res, err := rm.Resolve(context.Background(), m.DefinitionNodeId)
			if err != nil {
				reply.Error = err.Error()
			}
			reply.Resources = res
			if err = b.Publish(reply); err != nil {
				rm.lg.Log(types.LevelWarn, "error", err, "message", "failed to reply worker resources")
			}
		}()
	})
}

// IsConfigError returns true for errors that must abort a dispatch cycle
func IsConfigError(err error) bool {
	return errors.Is(err, enum.ErrInvalidWorkerCount) || errors.Is(err, enum.ErrResourcesUnset)
}
