package entity

import (
	"time"
)

// InstanceNode is the execution record for one stage of a pipeline instance
type InstanceNode struct {
	Id                 int64      `json:"id" bson:"_id"`
	InstanceId         int64      `json:"instanceId" bson:"instanceId"`
	DefinitionNodeId   int64      `json:"definitionNodeId" bson:"definitionNodeId"`
	ModuleName         string     `json:"moduleName" bson:"moduleName"`
	TransitionComplete bool       `json:"transitionComplete" bson:"transitionComplete"`
	Counts             TaskCounts `json:"counts" bson:"counts"`
	CreatedAt          time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt" bson:"updatedAt"`
}

func (n *InstanceNode) Fields() []interface{} {
	return []interface{}{
		&n.Id, &n.InstanceId, &n.DefinitionNodeId, &n.ModuleName, &n.TransitionComplete,
		&n.Counts.Total, &n.Counts.Submitted, &n.Counts.Processing, &n.Counts.Completed, &n.Counts.Errored,
		&n.CreatedAt, &n.UpdatedAt,
	}
}
