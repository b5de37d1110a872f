package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"stageguard/internal/config"
	"stageguard/internal/recovery"
	"stageguard/internal/services"
	"stageguard/internal/status"
)

const (
	commandWaitDelay = 10 * time.Second
	stderrTailBytes  = 2048
)

// sysexits(3) codes a stage command can use to pick its failure category.
const (
	exitDataErr   = 65
	exitTempFail  = 75
	exitNoPerm    = 77
	exitUnavail   = 69
	exitSoftware  = 70
	exitOSErr     = 71
	exitCantCreat = 73
)

// CommandPipeline builds a Pipeline that runs the shell command configured for
// each working stage. Stages without a command pass straight through. It
// returns nil when no stage has a command.
func CommandPipeline(cfg *config.Config, wf *status.Workflow) (*Pipeline, error) {
	if len(cfg.Stages.Commands) == 0 {
		return nil, nil
	}
	if wf == nil {
		wf = status.DefaultWorkflow()
	}
	steps := make([]Step, 0, len(wf.Working()))
	for _, stage := range wf.Working() {
		command := cfg.Stages.Commands[string(stage)]
		dependency := cfg.DependencyFor(string(stage))
		steps = append(steps, Step{
			Stage:      stage,
			Dependency: dependency,
			Task:       commandTask(stage, dependency, command),
		})
	}
	return NewPipeline(wf, steps...)
}

func commandTask(stage status.Stage, dependency, command string) recovery.Task {
	if command == "" {
		return func(context.Context) error { return nil }
	}
	return func(ctx context.Context) error {
		itemID, _ := services.ItemIDFromContext(ctx)

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Env = append(os.Environ(),
			"STAGEGUARD_ITEM_ID="+itemID,
			"STAGEGUARD_STAGE="+string(stage),
			"STAGEGUARD_DEPENDENCY="+dependency,
		)
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = commandWaitDelay
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return commandError(stage, err, tail(stderr.String()))
	}
}

// commandError maps an exit status onto a failure marker. Unmapped statuses
// are left to the classifier's message patterns.
func commandError(stage status.Stage, err error, stderr string) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return services.Wrap(services.ErrSystem, string(stage), "exec", "start stage command", err)
	}
	code := exitErr.ExitCode()
	message := fmt.Sprintf("stage command exited with status %d", code)
	if stderr != "" {
		message += ": " + stderr
	}
	var marker error
	switch code {
	case exitDataErr:
		marker = services.ErrValidation
	case exitTempFail:
		marker = services.ErrTransient
	case exitNoPerm:
		marker = services.ErrAuthentication
	case exitUnavail:
		marker = services.ErrNetwork
	case exitSoftware, exitOSErr, exitCantCreat:
		marker = services.ErrSystem
	default:
		return fmt.Errorf("%s: %s", stage, message)
	}
	return services.Wrap(marker, string(stage), "exec", message, nil)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}
