package mongodb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	task      *mongo.Collection
	node      *mongo.Collection
	resources *mongo.Collection
}

// DatabaseName is the database name in MongoDB, modify this variable to change database
var DatabaseName = "sluice"

func New(dsn string) (*MongoDB, error) {
	opt := new(options.ClientOptions).ApplyURI(dsn)
	client, err := mongo.NewClient(opt)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err = client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect monogdb: %v", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(DatabaseName)
	m := &MongoDB{
		client:    client,
		db:        db,
		task:      db.Collection("task"),
		node:      db.Collection("instance_node"),
		resources: db.Collection("worker_resources"),
	}
	m.createIndices()
	return m, nil
}

func (m *MongoDB) GetTask(ctx context.Context, opt types.GetTaskOption) (*entity.Task, error) {
	task := new(entity.Task)
	res := m.task.FindOne(ctx, bson.M{"_id": opt.Id})
	if res.Err() != nil {
		if errors.Is(res.Err(), mongo.ErrNoDocuments) {
			return nil, enum.ErrTaskNotFound
		}
		return nil, res.Err()
	}
	if err := res.Decode(task); err != nil {
		return nil, err
	}
	return task, nil
}

func (m *MongoDB) FindTasks(ctx context.Context, opt types.FindTasksOption) (entity.Tasks, error) {
	q := bson.M{}
	if len(opt.Ids) > 0 {
		q["_id"] = bson.M{"$in": opt.Ids}
	}
	if len(opt.States) > 0 {
		q["state"] = bson.M{"$in": opt.States}
	}
	if opt.InstanceNodeId != nil {
		q["instanceNodeId"] = *opt.InstanceNodeId
	}

	tasks := make(entity.Tasks, 0)
	limit := int64(5000)
	cur, err := m.task.Find(ctx, q, &options.FindOptions{Sort: bson.M{"_id": 1}, Limit: &limit})
	if err != nil {
		return nil, err
	}
	if err = cur.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (m *MongoDB) CreateTask(ctx context.Context, t entity.Task) error {
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	_, err := m.task.InsertOne(ctx, t)
	return err
}

func (m *MongoDB) UpdateTaskState(ctx context.Context, opt types.UpdateTaskStateOption) (int64, error) {
	if len(opt.Ids) == 0 {
		return 0, nil
	}
	q := bson.M{"_id": bson.M{"$in": opt.Ids}}
	if len(opt.From) > 0 {
		q["state"] = bson.M{"$in": opt.From}
	}

	now := time.Now()
	set := bson.D{{"state", opt.State}, {"outcome", opt.Outcome}}
	if opt.Worker != "" {
		set = append(set, bson.E{Key: "worker", Value: opt.Worker})
	}
	u := bson.D{}
	switch opt.State {
	case enum.TaskStateProcessing:
		set = append(set, bson.E{Key: "startedAt", Value: sql.NullTime{Time: now, Valid: true}},
			bson.E{Key: "endedAt", Value: sql.NullTime{}})
	case enum.TaskStateCompleted:
		set = append(set, bson.E{Key: "endedAt", Value: sql.NullTime{Time: now, Valid: true}})
	case enum.TaskStateError:
		set = append(set, bson.E{Key: "endedAt", Value: sql.NullTime{Time: now, Valid: true}})
		u = append(u, bson.E{Key: "$inc", Value: bson.D{{"failureCount", 1}}})
	case enum.TaskStateSubmitted:
		set = append(set, bson.E{Key: "startedAt", Value: sql.NullTime{}}, bson.E{Key: "endedAt", Value: sql.NullTime{}})
	}
	u = append(u, bson.E{Key: "$set", Value: set})
	res, err := m.task.UpdateMany(ctx, q, u)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (m *MongoDB) CreateInstanceNode(ctx context.Context, n entity.InstanceNode) error {
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	_, err := m.node.InsertOne(ctx, n)
	return err
}

func (m *MongoDB) GetInstanceNode(ctx context.Context, opt types.GetInstanceNodeOption) (*entity.InstanceNode, error) {
	n := new(entity.InstanceNode)
	res := m.node.FindOne(ctx, bson.M{"_id": opt.Id})
	if res.Err() != nil {
		if errors.Is(res.Err(), mongo.ErrNoDocuments) {
			return nil, enum.ErrInstanceNodeNotFound
		}
		return nil, res.Err()
	}
	if err := res.Decode(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (m *MongoDB) SetTransitionComplete(ctx context.Context, opt types.SetTransitionCompleteOption) error {
	u := bson.D{{"$set", bson.D{{"transitionComplete", opt.Complete}, {"updatedAt", time.Now()}}}}
	res, err := m.node.UpdateOne(ctx, bson.M{"_id": opt.InstanceNodeId}, u)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return enum.ErrInstanceNodeNotFound
	}
	return nil
}

func (m *MongoDB) CountTasks(ctx context.Context, opt types.CountTasksOption) (entity.TaskCounts, error) {
	var c entity.TaskCounts
	pipeline := mongo.Pipeline{
		{{"$match", bson.D{{"instanceNodeId", opt.InstanceNodeId}}}},
		{{"$group", bson.D{{"_id", "$state"}, {"n", bson.D{{"$sum", 1}}}}}},
	}
	cur, err := m.task.Aggregate(ctx, pipeline)
	if err != nil {
		return c, err
	}
	groups := make([]struct {
		State enum.TaskState `bson:"_id"`
		N     int64          `bson:"n"`
	}, 0)
	if err = cur.All(ctx, &groups); err != nil {
		return c, err
	}
	for _, g := range groups {
		for i := int64(0); i < g.N; i++ {
			c.Add(g.State)
		}
	}
	return c, nil
}

func (m *MongoDB) RecomputeCounts(ctx context.Context, opt types.RecomputeCountsOption) error {
	for _, id := range opt.InstanceNodeIds {
		c, err := m.CountTasks(ctx, types.CountTasksOption{InstanceNodeId: id})
		if err != nil {
			return fmt.Errorf("count tasks of instance node %v: %w", id, err)
		}
		u := bson.D{{"$set", bson.D{{"counts", c}, {"updatedAt", time.Now()}}}}
		if _, err = m.node.UpdateOne(ctx, bson.M{"_id": id}, u); err != nil {
			return fmt.Errorf("update counts of instance node %v: %w", id, err)
		}
	}
	return nil
}

func (m *MongoDB) GetWorkerResources(ctx context.Context, opt types.GetWorkerResourcesOption) (*entity.WorkerResources, error) {
	r := new(entity.WorkerResources)
	res := m.resources.FindOne(ctx, bson.M{"_id": opt.DefinitionNodeId})
	if res.Err() != nil {
		if errors.Is(res.Err(), mongo.ErrNoDocuments) {
			return &entity.WorkerResources{DefinitionNodeId: opt.DefinitionNodeId}, nil
		}
		return nil, res.Err()
	}
	if err := res.Decode(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *MongoDB) SaveWorkerResources(ctx context.Context, r entity.WorkerResources) error {
	_, err := m.resources.ReplaceOne(ctx, bson.M{"_id": r.DefinitionNodeId}, r, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) createIndices() {
	ctx := context.Background()
	// task indices
	// instanceNodeId_1_state_1
	{
		keys := primitive.D{}
		keys = append(keys, primitive.E{Key: "instanceNodeId", Value: 1}, primitive.E{Key: "state", Value: 1})
		idx := mongo.IndexModel{
			Keys:    keys,
			Options: new(options.IndexOptions),
		}
		_, err := m.task.Indexes().CreateOne(ctx, idx)
		if err != nil {
			log.Err(err).Msg("error creating index")
		}
	}
	// definitionNodeId_1
	{
		keys := primitive.D{}
		keys = append(keys, primitive.E{Key: "definitionNodeId", Value: 1})
		idx := mongo.IndexModel{
			Keys: keys,
		}
		_, err := m.task.Indexes().CreateOne(ctx, idx)
		if err != nil {
			log.Err(err).Msg("error creating index")
		}
	}

	// instance_node indices
	// instanceId_1
	{
		keys := primitive.D{}
		keys = append(keys, primitive.E{Key: "instanceId", Value: 1})
		idx := mongo.IndexModel{
			Keys: keys,
		}
		_, err := m.node.Indexes().CreateOne(ctx, idx)
		if err != nil {
			log.Err(err).Msg("error creating index")
		}
	}
}
