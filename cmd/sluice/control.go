package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/supervisor"
	"github.com/spf13/cobra"
)

type controlFlags struct {
	addr    string
	timeout time.Duration
}

func (cf *controlFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&cf.addr, "addr", "", "Supervisor control API address, defaults to server.grpcAddress")
	cmd.Flags().DurationVar(&cf.timeout, "timeout", supervisor.DefaultRequestTimeout, "Time to wait for the supervisor's reply")
}

// call dials the supervisor and runs fn, printing its result as JSON
func (cf *controlFlags) call(gf *globalFlags, fn func(ctx context.Context, c *supervisor.Client) (interface{}, error)) error {
	cfg, _, err := gf.load()
	if err != nil {
		return err
	}
	addr := cf.addr
	if addr == "" {
		addr = cfg.Server.GrpcAddress
	}
	ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
	defer cancel()

	c, err := supervisor.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	out, err := fn(ctx, c)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func parseIds(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type idsFunc func(ctx context.Context, c *supervisor.Client, ids []int64) (interface{}, error)

func kill(ctx context.Context, c *supervisor.Client, ids []int64) (interface{}, error) {
	return c.KillTasks(ctx, ids)
}

func halt(ctx context.Context, c *supervisor.Client, ids []int64) (interface{}, error) {
	return c.HaltTasks(ctx, ids)
}

func del(ctx context.Context, c *supervisor.Client, ids []int64) (interface{}, error) {
	return c.DeleteTasks(ctx, ids)
}

func idsCmd(gf *globalFlags, use, short string, fn idsFunc) *cobra.Command {
	cf := new(controlFlags)
	cmd := &cobra.Command{
		Use:   use + " TASK_ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIds(args)
			if err != nil {
				return err
			}
			return cf.call(gf, func(ctx context.Context, c *supervisor.Client) (interface{}, error) {
				return fn(ctx, c, ids)
			})
		},
	}
	cf.register(cmd)
	return cmd
}

func submitCmd(gf *globalFlags) *cobra.Command {
	cf := new(controlFlags)
	req := new(bus.TaskRequest)
	var mode string
	cmd := &cobra.Command{
		Use:   "submit TASK_ID",
		Short: "Queue a task request on the supervisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIds(args)
			if err != nil {
				return err
			}
			req.TaskId, req.RunMode = ids[0], enum.RunMode(mode)
			return cf.call(gf, func(ctx context.Context, c *supervisor.Client) (interface{}, error) {
				return map[string]interface{}{"taskId": req.TaskId, "queued": true}, c.SubmitTask(ctx, req)
			})
		},
	}
	cmd.Flags().Int64Var(&req.InstanceId, "instance", 0, "Pipeline instance id")
	cmd.Flags().Int64Var(&req.InstanceNodeId, "instance-node", 0, "Instance node id")
	cmd.Flags().Int64Var(&req.DefinitionNodeId, "definition-node", 0, "Definition node id, selects the worker resources")
	cmd.Flags().Int32Var(&req.Priority, "priority", 0, "Higher priorities are dispatched first within a definition node")
	cmd.Flags().BoolVar(&req.TransitionOnly, "transition-only", false, "Only check the instance node transition")
	cmd.Flags().StringVar(&mode, "run-mode", string(enum.RunModeStandard), "standard, restart-from-beginning, resume-current-step or resubmit")
	cf.register(cmd)
	return cmd
}

func restartCmd(gf *globalFlags) *cobra.Command {
	cf := new(controlFlags)
	var mode string
	cmd := &cobra.Command{
		Use:   "restart TASK_ID...",
		Short: "Requeue errored tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIds(args)
			if err != nil {
				return err
			}
			return cf.call(gf, func(ctx context.Context, c *supervisor.Client) (interface{}, error) {
				return c.RestartTasks(ctx, ids, enum.RunMode(mode))
			})
		},
	}
	cmd.Flags().StringVar(&mode, "run-mode", string(enum.RunModeRestartFromBeginning), "restart-from-beginning, resume-current-step or resubmit")
	cf.register(cmd)
	return cmd
}

func resourcesCmd(gf *globalFlags) *cobra.Command {
	cf := new(controlFlags)
	var node int64
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Print the worker resources resolved for a definition node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(gf, func(ctx context.Context, c *supervisor.Client) (interface{}, error) {
				return c.WorkerResources(ctx, node)
			})
		},
	}
	cmd.Flags().Int64Var(&node, "definition-node", 0, "Definition node id, 0 prints the defaults")
	cf.register(cmd)
	return cmd
}

func queueCmd(gf *globalFlags) *cobra.Command {
	cf := new(controlFlags)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Print queued and running tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(gf, func(ctx context.Context, c *supervisor.Client) (interface{}, error) {
				return c.QueueStatus(ctx)
			})
		},
	}
	cf.register(cmd)
	return cmd
}
