package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/types"
)

// ProcessExecutor runs every task as a local process built from a command template.
// Supported placeholders are {taskId}, {instanceId}, {instanceNodeId}, {module} and {memoryMB}.
type ProcessExecutor struct {
	command []string
	workDir string
	lg      types.Logger
}

func NewProcessExecutor(cfg config.ExecutorConfig, lg types.Logger) (*ProcessExecutor, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("executor command is required")
	}
	return &ProcessExecutor{command: cfg.Command, workDir: cfg.WorkDir, lg: lg}, nil
}

// Command returns the command line of the task
func (e *ProcessExecutor) Command(task *entity.Task, memoryMB int64) []string {
	r := strings.NewReplacer(
		"{taskId}", strconv.FormatInt(task.Id, 10),
		"{instanceId}", strconv.FormatInt(task.InstanceId, 10),
		"{instanceNodeId}", strconv.FormatInt(task.InstanceNodeId, 10),
		"{module}", task.ModuleName,
		"{memoryMB}", strconv.FormatInt(memoryMB, 10),
	)
	args := make([]string, 0, len(e.command))
	for _, v := range e.command {
		args = append(args, r.Replace(v))
	}
	return args
}

// Run starts the process and waits for it. A process killed because ctx was canceled
// reports exit code -1.
func (e *ProcessExecutor) Run(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
	args := e.Command(task, memoryMB)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		"SLUICE_TASK_ID="+strconv.FormatInt(task.Id, 10),
		"SLUICE_MEMORY_MB="+strconv.FormatInt(memoryMB, 10),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	e.lg.Log(types.LevelDebug, "taskId", task.Id, "command", strings.Join(args, " "), "message", "launching task process")
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start task process: %w", err)
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait task process: %w", err)
}
