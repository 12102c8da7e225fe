package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/types"
)

// Transitioner advances an instance node to the next pipeline node once every task of it
// completed. Checks are serialized, so only the first handler observing full resolution
// performs the transition.
type Transitioner struct {
	id  string
	db  types.DB
	adv types.NodeAdvancer
	b   *bus.Bus
	lg  types.Logger
	ls  types.Listener
	mu  sync.Mutex
}

func NewTransitioner(id string, db types.DB, adv types.NodeAdvancer, b *bus.Bus, lg types.Logger, ls types.Listener) *Transitioner {
	return &Transitioner{id: id, db: db, adv: adv, b: b, lg: lg, ls: ls}
}

// Check returns true when this call performed the transition
func (t *Transitioner) Check(ctx context.Context, instanceNodeId int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, err := t.db.GetInstanceNode(ctx, types.GetInstanceNodeOption{Id: instanceNodeId})
	if err != nil {
		return false, fmt.Errorf("get instance node %v: %w", instanceNodeId, err)
	}
	if node.TransitionComplete {
		return false, nil
	}
	counts, err := t.db.CountTasks(ctx, types.CountTasksOption{InstanceNodeId: instanceNodeId})
	if err != nil {
		return false, fmt.Errorf("count tasks of instance node %v: %w", instanceNodeId, err)
	}
	if !counts.Resolved() {
		return false, nil
	}
	if counts.Errored > 0 {
		t.lg.Log(types.LevelWarn, "instanceNodeId", instanceNodeId, "errored", counts.Errored,
			"message", "instance node resolved with errored tasks, not advancing")
		return false, nil
	}

	err = t.db.SetTransitionComplete(ctx, types.SetTransitionCompleteOption{InstanceNodeId: instanceNodeId, Complete: true})
	if err != nil {
		return false, fmt.Errorf("set transition complete of instance node %v: %w", instanceNodeId, err)
	}
	node.TransitionComplete = true
	node.Counts = counts
	if err = t.adv.Advance(ctx, node); err != nil {
		// Leave the node open so that the next check retries
		_ = t.db.SetTransitionComplete(ctx, types.SetTransitionCompleteOption{InstanceNodeId: instanceNodeId})
		return false, fmt.Errorf("advance instance node %v: %w", instanceNodeId, err)
	}

	t.lg.Log(types.LevelInfo, "instanceId", node.InstanceId, "instanceNodeId", instanceNodeId,
		"tasks", counts.Total, "message", "instance node complete, advanced to next node")
	t.ls.OnInstanceNodeTransition(types.ListenerEvent{ProcessId: t.id, InstanceNodeId: instanceNodeId})
	if err = t.b.Publish(&bus.InstanceNodeComplete{InstanceId: node.InstanceId, InstanceNodeId: instanceNodeId}); err != nil {
		t.lg.Log(types.LevelWarn, "error", err, "message", "failed to publish instance node complete")
	}
	return true, nil
}
