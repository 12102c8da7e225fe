package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "sluice.v1.Supervisor"

// DefaultRequestTimeout bounds control API calls whose context carries no deadline
var DefaultRequestTimeout = 30 * time.Second

// ControlService is the operator control API. Request and response bodies are JSON objects
// carried as structpb.Struct, see Client for the typed side.
type ControlService interface {
	SubmitTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	KillTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	HaltTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DeleteTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RestartTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	WorkerResources(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	QueueStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitTask", ControlService.SubmitTask),
		unary("KillTasks", ControlService.KillTasks),
		unary("HaltTasks", ControlService.HaltTasks),
		unary("DeleteTasks", ControlService.DeleteTasks),
		unary("RestartTasks", ControlService.RestartTasks),
		unary("WorkerResources", ControlService.WorkerResources),
		unary("QueueStatus", ControlService.QueueStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sluice/v1/supervisor",
}

func unary(name string, fn func(ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(ControlService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server serves the control API by publishing requests on the bus and waiting for the correlated replies
type Server struct {
	b   *bus.Bus
	cfg config.ServerConfig
	lg  types.Logger
	srv *grpc.Server
	lis net.Listener
}

func NewServer(b *bus.Bus, cfg config.ServerConfig, lg types.Logger) *Server {
	return &Server{b: b, cfg: cfg, lg: lg}
}

// Start listens on the gRPC address and serves in the background
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.GrpcAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", s.cfg.GrpcAddress, err)
	}
	s.lis = lis
	s.srv = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.srv.RegisterService(&ServiceDesc, s)

	s.lg.Log(types.LevelInfo, "address", lis.Addr().String(), "message", "serving gRPC control API")
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.lg.Log(types.LevelError, "error", err, "message", "gRPC server exited")
		}
	}()
	return nil
}

// Addr returns the listening address, empty before Start
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.GracefulStop()
	}
}

func (s *Server) SubmitTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(bus.TaskRequest)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	if req.TaskId == 0 {
		return nil, status.Error(codes.InvalidArgument, "taskId is required")
	}
	req.Header = bus.Header{}
	if err := s.b.Publish(req); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"taskId": req.TaskId, "queued": true})
}

func (s *Server) KillTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(bus.KillTasksRequest)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	if len(req.TaskIds) == 0 {
		return nil, status.Error(codes.InvalidArgument, "taskIds is required")
	}
	req.Header, req.Requestor = bus.Header{}, bus.NewRequestor()
	return request[*bus.KillTasksResponse](ctx, s.b, req)
}

func (s *Server) HaltTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(bus.HaltTasksRequest)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	if len(req.TaskIds) == 0 {
		return nil, status.Error(codes.InvalidArgument, "taskIds is required")
	}
	req.Header, req.Requestor = bus.Header{}, bus.NewRequestor()
	return request[*bus.HaltTasksResponse](ctx, s.b, req)
}

func (s *Server) DeleteTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(bus.DeleteTasksRequest)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	if len(req.TaskIds) == 0 {
		return nil, status.Error(codes.InvalidArgument, "taskIds is required")
	}
	req.Header, req.Requestor = bus.Header{}, bus.NewRequestor()
	return request[*bus.DeleteTasksResponse](ctx, s.b, req)
}

func (s *Server) RestartTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(bus.RestartTasksRequest)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	if len(req.TaskIds) == 0 {
		return nil, status.Error(codes.InvalidArgument, "taskIds is required")
	}
	req.Header, req.Requestor = bus.Header{}, bus.NewRequestor()
	return request[*bus.RestartTasksResponse](ctx, s.b, req)
}

func (s *Server) WorkerResources(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := new(bus.WorkerResourcesRequest)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	req.Header, req.Requestor = bus.Header{}, bus.NewRequestor()
	return request[*bus.WorkerResourcesResponse](ctx, s.b, req)
}

func (s *Server) QueueStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := &bus.QueueStatusRequest{Requestor: bus.NewRequestor()}
	return request[*bus.QueueStatusResponse](ctx, s.b, req)
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	lvl := types.LevelDebug
	if err != nil {
		lvl = types.LevelWarn
	}
	s.lg.Log(lvl, "method", info.FullMethod, "elapsed", time.Since(start).String(), "error", err, "message", "handled control API call")
	return resp, err
}

func request[T bus.Correlated](ctx context.Context, b *bus.Bus, req bus.Correlated) (*structpb.Struct, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	reply, err := bus.Request[T](ctx, b, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(reply)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, enum.ErrRequestTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, enum.ErrBusStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v to a structpb.Struct through its JSON form
func toStruct(v interface{}) (*structpb.Struct, error) {
	byt, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err = protojson.Unmarshal(byt, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	byt, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err = json.Unmarshal(byt, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}
