package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/heartbeat"
	"github.com/mykube-run/sluice/pkg/impl/transport"
	"github.com/mykube-run/sluice/pkg/queue"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/mykube-run/sluice/pkg/worker"
)

// journalBacklog bounds the task events waiting for the journal writer
const journalBacklog = 1024

type Options struct {
	Config     config.Config
	Advancer   types.NodeAdvancer // Advances pipeline instances, nil only logs completed nodes
	JobMonitor types.JobMonitor   // Remote executions, nil when every task runs locally
	Transport  types.Transport    // Overrides the transport built from Config.Transport
}

// Supervisor is the composition root of one process: it owns the bus, the task queue, the worker
// pool and everything answering requests on the bus.
type Supervisor struct {
	opt *Options
	id  string
	db  types.DB
	lg  types.Logger
	ls  types.Listener

	b   *bus.Bus
	br  *bus.Bridge
	q   *queue.TaskQueue
	rm  *worker.ResourceManager
	m   *worker.Manager
	rc  *Reconciler
	j   *Journal
	gen *heartbeat.Generator
	det *heartbeat.Detector
	srv *Server
	mt  *Metrics

	events    chan *JournalEvent
	journaled chan struct{} // Closed once the journal writer exited

	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(opt *Options, db types.DB, exec types.Executor, lg types.Logger, ls types.Listener) (s *Supervisor, err error) {
	cfg := opt.Config
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s = &Supervisor{
		opt:     opt,
		id:      config.ReplaceEnvironment(cfg.Supervisor.Id),
		db:      db,
		lg:      lg,
		ls:      ls,
		stopped: make(chan struct{}),

		events:    make(chan *JournalEvent, journalBacklog),
		journaled: make(chan struct{}),
	}
	if s.id == "" {
		s.id = config.ReplaceEnvironment("{hostname}-{pid}")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	tran := opt.Transport
	if tran == nil {
		tc := cfg.Transport
		if tc.Role == "" {
			tc.Role = string(enum.TransportRoleSupervisor)
		}
		if tc.Kafka.GroupId == "" {
			tc.Kafka.GroupId = s.id /* Every process consumes the whole bus */
		}
		if tran, err = transport.New(&tc); err != nil {
			return nil, err
		}
	}

	s.b = bus.New(s.id, lg)
	s.br = bus.NewBridge(s.b, tran, lg)
	s.br.Forward = forwardable
	s.q = queue.NewTaskQueue(s.id, ls)
	s.rm = worker.NewResourceManager(db, entity.NewWorkerResources(cfg.Worker.WorkerCount, cfg.Worker.MemoryMB), lg)

	adv := opt.Advancer
	if adv == nil {
		adv = types.NodeAdvancerFunc(func(ctx context.Context, node *entity.InstanceNode) error {
			lg.Log(types.LevelInfo, "instanceId", node.InstanceId, "instanceNodeId", node.Id,
				"message", "no node advancer configured, instance node complete")
			return nil
		})
	}
	s.m, err = worker.NewManager(worker.Options{Id: s.id, Executor: exec, Advancer: adv}, s.q, s.b, db, s.rm, lg, ls)
	if err != nil {
		return nil, err
	}
	if s.j, err = NewJournal(cfg.Journal, s.id, lg); err != nil {
		return nil, err
	}
	deadline := time.Duration(cfg.Worker.DeleteDeadline) * time.Millisecond
	s.rc = NewReconciler(s.id, s.m, s.q, db, opt.JobMonitor, s.j, deadline, lg, ls)
	s.gen = heartbeat.NewGenerator(s.b, cfg.Heartbeat.IntervalDuration(), lg)
	s.mt = NewMetrics(s.b, s.q, s.m, lg)
	s.det = heartbeat.NewDetector(s.br, heartbeat.DetectorOption{
		Self:             s.id,
		ReconnectTimeout: cfg.Heartbeat.ReconnectDuration(),
		Grace:            cfg.Heartbeat.GraceDuration(),
		OnStatus: func(from, to enum.HeartbeatStatus) {
			s.mt.SetHeartbeatStatus(to)
			lg.Log(types.LevelInfo, "from", from, "to", to, "message", "heartbeat status changed")
		},
	}, lg)
	s.srv = NewServer(s.b, cfg.Server, lg)

	s.subscribe()
	return s, nil
}

// forwardable keeps requests local: they either came from the network already or were published
// by this process's control API, which is answered locally.
func forwardable(kind enum.MessageKind) bool {
	switch kind {
	case enum.KindTaskRequest, enum.KindKillTasksRequest, enum.KindHaltTasksRequest, enum.KindDeleteTasksRequest,
		enum.KindRestartTasksRequest, enum.KindWorkerResourcesRequest, enum.KindQueueStatusRequest:
		return false
	}
	return true
}

func (s *Supervisor) subscribe() {
	bus.On(s.b, s.onTaskRequest)
	bus.On(s.b, func(m *bus.KillTasksRequest) {
		go func() {
			killed := s.rc.Kill(s.ctx, m.TaskIds)
			s.reply(&bus.KillTasksResponse{Requestor: bus.ReplyTo(m), Killed: killed})
		}()
	})
	bus.On(s.b, func(m *bus.HaltTasksRequest) {
		go func() {
			res, err := s.rc.Halt(s.ctx, m.TaskIds)
			if err != nil {
				s.lg.Log(types.LevelError, "tasks", m.TaskIds, "error", err, "message", "failed to halt tasks")
			}
			s.reply(&bus.HaltTasksResponse{Requestor: bus.ReplyTo(m), Killed: res.Killed, Signaled: res.Signaled,
				Forwarded: res.Forwarded, Unknown: res.Unknown})
		}()
	})
	bus.On(s.b, func(m *bus.DeleteTasksRequest) {
		go func() {
			res, err := s.rc.Delete(s.ctx, m.TaskIds)
			if err != nil {
				s.lg.Log(types.LevelError, "tasks", m.TaskIds, "error", err, "message", "failed to delete tasks")
				res = Result{Unresolved: m.TaskIds}
			}
			s.reply(&bus.DeleteTasksResponse{Requestor: bus.ReplyTo(m), Resolved: res.Resolved,
				Unresolved: res.Unresolved, AllLocal: res.AllLocal})
		}()
	})
	bus.On(s.b, func(m *bus.RestartTasksRequest) {
		go func() {
			restarted, skipped, err := s.rc.Restart(s.ctx, m.TaskIds, m.RunMode)
			if err != nil {
				s.lg.Log(types.LevelError, "tasks", m.TaskIds, "error", err, "message", "failed to restart tasks")
			}
			s.reply(&bus.RestartTasksResponse{Requestor: bus.ReplyTo(m), Restarted: restarted, Skipped: skipped})
		}()
	})
	bus.On(s.b, func(m *bus.QueueStatusRequest) {
		reply := &bus.QueueStatusResponse{Requestor: bus.ReplyTo(m), Current: s.m.Current(), Queued: s.queued()}
		reply.Running = s.m.Running()
		sortIds(reply.Running)
		s.reply(reply)
	})
	bus.On(s.b, func(m *bus.Shutdown) {
		s.lg.Log(types.LevelInfo, "sender", m.Sender, "message", "received shutdown message")
		go s.Stop()
	})
	bus.On(s.b, func(m *bus.InstanceNodeComplete) {
		s.lg.Log(types.LevelInfo, "instanceId", m.InstanceId, "instanceNodeId", m.InstanceNodeId, "sender", m.Sender,
			"message", "instance node complete")
	})
	s.rm.Attach(s.b)
	s.det.Attach(s.b)

	bus.On(s.b, func(m *bus.TaskStarted) { s.record(m) })
	bus.On(s.b, func(m *bus.TaskKilled) { s.record(m) })
	bus.On(s.b, func(m *bus.TaskHalted) { s.record(m) })
	bus.On(s.b, func(m *bus.TaskFinished) {
		s.record(m)
		if m.Sender == s.id {
			s.mt.ObserveFinished(m)
		}
	})
	bus.On(s.b, func(m *bus.TaskAlert) {
		s.record(m)
		if m.Sender == s.id {
			s.mt.ObserveAlert(m)
		}
	})
}

func (s *Supervisor) onTaskRequest(m *bus.TaskRequest) {
	if err := s.q.Put(m); err != nil {
		s.lg.Log(types.LevelWarn, "taskId", m.TaskId, "error", err, "message", "failed to queue task request")
		return
	}
	go func() {
		// Tasks created by the pipeline are Initialized until requested
		_, err := s.db.UpdateTaskState(s.ctx, types.UpdateTaskStateOption{
			Ids: []int64{m.TaskId}, State: enum.TaskStateSubmitted, From: []enum.TaskState{enum.TaskStateInitialized},
		})
		if err != nil {
			s.lg.Log(types.LevelError, "taskId", m.TaskId, "error", err, "message", "failed to mark task submitted")
		}
	}()
}

func (s *Supervisor) record(m bus.Message) {
	ev, ok := NewEventFromMessage(m)
	if !ok {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.lg.Log(types.LevelWarn, "taskId", ev.TaskId, "kind", ev.Kind, "message", "journal writer is behind, dropping task event")
	}
}

// writeJournal inserts task events until events is closed, keeping disk writes off the bus goroutine
func (s *Supervisor) writeJournal() {
	defer close(s.journaled)
	for ev := range s.events {
		if err := s.j.Insert(ev); err != nil {
			s.lg.Log(types.LevelError, "taskId", ev.TaskId, "kind", ev.Kind, "error", err, "message", "failed to insert task event")
		}
	}
}

func (s *Supervisor) reply(m bus.Message) {
	if err := s.b.Publish(m); err != nil {
		s.lg.Log(types.LevelWarn, "kind", m.Kind(), "error", err, "message", "failed to publish reply")
	}
}

// Run starts every component in the background
func (s *Supervisor) Run() error {
	cfg := s.opt.Config
	s.lg.Log(types.LevelInfo, "supervisorId", s.id, "transport", cfg.Transport.Type, "workers", cfg.Worker.WorkerCount,
		"memoryMB", cfg.Worker.MemoryMB, "message", "starting supervisor")

	s.b.Start()
	if err := s.br.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	if err := s.srv.Start(); err != nil {
		return err
	}
	if err := s.mt.Serve(cfg.Server.MetricsAddress); err != nil {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}

	s.running = true
	go s.writeJournal()
	go s.m.Run(s.ctx)
	go s.gen.Run(s.ctx)
	if d := cfg.Heartbeat.CheckDuration(); d > 0 {
		go s.det.Run(s.ctx, d)
	}
	return nil
}

// Start runs the supervisor and blocks until SIGINT, SIGTERM or a Shutdown message
func (s *Supervisor) Start() error {
	if err := s.Run(); err != nil {
		s.Stop()
		return err
	}

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM /* SIGTERM is expected inside k8s */)
	defer signal.Stop(stopC)

	select {
	case <-stopC:
		s.lg.Log(types.LevelInfo, "message", "received stop signal")
		s.Stop()
	case <-s.stopped:
	}
	return nil
}

// Stop runs the shutdown hook once: handlers are canceled, the bus is drained into the journal, the
// journal is backed up and every connection is closed
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.m.Stop()
		if s.running {
			select {
			case <-s.m.Done():
			case <-time.After(10 * time.Second):
				s.lg.Log(types.LevelWarn, "message", "timed out waiting for task handlers to exit")
			}
		}
		s.srv.Stop()
		s.mt.Stop()

		if err := s.br.Close(); err != nil {
			s.lg.Log(types.LevelWarn, "error", err, "message", "failed to close transport")
		}
		s.b.Stop()
		if s.running {
			// The bus is the only sender on events, so it must be drained before events is closed
			select {
			case <-s.b.Done():
				close(s.events)
				<-s.journaled
			case <-time.After(10 * time.Second):
				s.lg.Log(types.LevelWarn, "message", "timed out waiting for the bus to drain")
			}
		}

		if key, err := s.j.Backup(); err != nil {
			s.lg.Log(types.LevelError, "error", err, "message", "failed to save journal snapshot")
		} else if key != "" {
			s.lg.Log(types.LevelInfo, "key", key, "message", "saved journal snapshot")
		}
		if err := s.j.Close(); err != nil {
			s.lg.Log(types.LevelWarn, "error", err, "message", "failed to close journal")
		}
		if err := s.db.Close(); err != nil {
			s.lg.Log(types.LevelWarn, "error", err, "message", "failed to close database")
		}
		s.lg.Log(types.LevelInfo, "supervisorId", s.id, "message", "supervisor stopped")
		close(s.stopped)
	})
}

// Done is closed once Stop completed
func (s *Supervisor) Done() <-chan struct{} {
	return s.stopped
}

func (s *Supervisor) Id() string {
	return s.id
}

func (s *Supervisor) Bus() *bus.Bus {
	return s.b
}

// Addr returns the address of the control API
func (s *Supervisor) Addr() string {
	return s.srv.Addr()
}

func (s *Supervisor) Metrics() *Metrics {
	return s.mt
}

// queued returns the queued task ids in dispatch order
func (s *Supervisor) queued() []int64 {
	ids := make([]int64, 0)
	for _, r := range s.q.Items() {
		ids = append(ids, r.TaskId)
	}
	return ids
}
