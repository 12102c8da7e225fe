package supervisor

import (
	"context"
	"fmt"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/enum"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the control API of a supervisor
type Client struct {
	conn *grpc.ClientConn
}

func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial supervisor %v: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SubmitTask(ctx context.Context, req *bus.TaskRequest) error {
	return c.invoke(ctx, "SubmitTask", req, nil)
}

func (c *Client) KillTasks(ctx context.Context, ids []int64) (*bus.KillTasksResponse, error) {
	out := new(bus.KillTasksResponse)
	return out, c.invoke(ctx, "KillTasks", &bus.KillTasksRequest{TaskIds: ids}, out)
}

func (c *Client) HaltTasks(ctx context.Context, ids []int64) (*bus.HaltTasksResponse, error) {
	out := new(bus.HaltTasksResponse)
	return out, c.invoke(ctx, "HaltTasks", &bus.HaltTasksRequest{TaskIds: ids}, out)
}

func (c *Client) DeleteTasks(ctx context.Context, ids []int64) (*bus.DeleteTasksResponse, error) {
	out := new(bus.DeleteTasksResponse)
	return out, c.invoke(ctx, "DeleteTasks", &bus.DeleteTasksRequest{TaskIds: ids}, out)
}

func (c *Client) RestartTasks(ctx context.Context, ids []int64, mode enum.RunMode) (*bus.RestartTasksResponse, error) {
	out := new(bus.RestartTasksResponse)
	return out, c.invoke(ctx, "RestartTasks", &bus.RestartTasksRequest{TaskIds: ids, RunMode: mode}, out)
}

// WorkerResources resolves the resources of a definition node, 0 returns the defaults
func (c *Client) WorkerResources(ctx context.Context, definitionNodeId int64) (*bus.WorkerResourcesResponse, error) {
	out := new(bus.WorkerResourcesResponse)
	return out, c.invoke(ctx, "WorkerResources", &bus.WorkerResourcesRequest{DefinitionNodeId: definitionNodeId}, out)
}

func (c *Client) QueueStatus(ctx context.Context) (*bus.QueueStatusResponse, error) {
	out := new(bus.QueueStatusResponse)
	return out, c.invoke(ctx, "QueueStatus", &bus.QueueStatusRequest{}, out)
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err = c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}
