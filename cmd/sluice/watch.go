package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/heartbeat"
	"github.com/mykube-run/sluice/pkg/impl/transport"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/satori/uuid"
	"github.com/spf13/cobra"
)

// connect attaches a client bus to the configured transport
func connect(cfg config.Config, lg types.Logger) (*bus.Bus, *bus.Bridge, error) {
	id := "client-" + uuid.NewV4().String()
	tc := cfg.Transport
	tc.Role = string(enum.TransportRoleClient)
	tc.Kafka.GroupId = id
	tran, err := transport.New(&tc)
	if err != nil {
		return nil, nil, err
	}
	b := bus.New(id, lg)
	b.Start()
	br := bus.NewBridge(b, tran, lg)
	if err = br.Start(); err != nil {
		b.Stop()
		return nil, nil, err
	}
	return b, br, nil
}

func watchCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print supervisor heartbeat status and task events seen on the transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := gf.load()
			if err != nil {
				return err
			}
			b, br, err := connect(cfg, lg)
			if err != nil {
				return err
			}
			defer func() {
				_ = br.Close()
				b.Stop()
			}()

			det := heartbeat.NewDetector(br, heartbeat.DetectorOption{
				Self:             b.Id(),
				ReconnectTimeout: cfg.Heartbeat.ReconnectDuration(),
				Grace:            cfg.Heartbeat.GraceDuration(),
				OnStatus: func(from, to enum.HeartbeatStatus) {
					fmt.Printf("%s heartbeat %s -> %s\n", time.Now().Format(time.RFC3339), from, to)
				},
			}, lg)
			det.Attach(b)
			bus.On(b, func(m *bus.TaskFinished) {
				fmt.Printf("%s task %d finished on %s: %s (exit code %d)\n", m.Timestamp.Format(time.RFC3339),
					m.TaskId, m.Sender, m.Outcome, m.ExitCode)
			})
			bus.On(b, func(m *bus.TaskAlert) {
				fmt.Printf("%s task %d alert from %s: %s\n", m.Timestamp.Format(time.RFC3339), m.TaskId, m.Sender, m.Message)
			})
			bus.On(b, func(m *bus.WorkerResourcesUpdate) {
				fmt.Printf("%s %s resized to %d workers, %d MB for definition node %d\n", m.Timestamp.Format(time.RFC3339),
					m.Sender, m.Resources.WorkerCount, m.Resources.MemoryMB, m.Resources.DefinitionNodeId)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			interval := cfg.Heartbeat.CheckDuration()
			if interval <= 0 {
				interval = time.Duration(enum.DefaultHeartbeatInterval) * time.Millisecond
			}
			det.Run(ctx, interval)
			return nil
		},
	}
}

func shutdownCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask every supervisor on the transport to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := gf.load()
			if err != nil {
				return err
			}
			b, br, err := connect(cfg, lg)
			if err != nil {
				return err
			}
			defer func() {
				_ = br.Close()
				b.Stop()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Delivered locally means forwarded to the transport
			return b.PublishAndWait(ctx, &bus.Shutdown{})
		},
	}
}
