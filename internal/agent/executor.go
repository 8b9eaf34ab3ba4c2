package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/model"
)

// Captured output is truncated so a chatty script cannot blow up the result
// report.
const maxCapturedOutput = 64 * 1024

// shellPayload is the command_payload shape for shell-type jobs.
type shellPayload struct {
	Script  string            `json:"script"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// Result is the outcome of one local command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs job commands locally.
type Executor struct {
	logger zerolog.Logger
	shell  string
}

func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{
		logger: logger.With().Str("component", "executor").Logger(),
		shell:  "/bin/sh",
	}
}

// Run executes a claimed job within its timeout. A non-zero exit or a timeout
// is reported through Result, not the error return; the error return is
// reserved for payloads the executor cannot even start.
func (e *Executor) Run(ctx context.Context, pj *model.PendingJob) (*Result, error) {
	var p shellPayload
	if len(pj.CommandPayload) > 0 {
		if err := json.Unmarshal(pj.CommandPayload, &p); err != nil {
			return nil, fmt.Errorf("decode command payload for %s: %w", pj.InstanceID, err)
		}
	}

	var cmd *exec.Cmd
	timeout := time.Duration(pj.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case p.Script != "":
		cmd = exec.CommandContext(runCtx, e.shell, "-c", p.Script)
	case p.Command != "":
		cmd = exec.CommandContext(runCtx, p.Command, p.Args...)
	default:
		return nil, fmt.Errorf("job %s has no script or command", pj.JobID)
	}

	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info().
		Str("instance_id", pj.InstanceID).
		Str("command_type", pj.CommandType).
		Dur("timeout", timeout).
		Msg("executing job")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Duration: elapsed,
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Stderr = truncate(res.Stderr + "\ncommand timed out after " + timeout.String())
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("start command for %s: %w", pj.InstanceID, err)
		}
	}
	return res, nil
}

func truncate(s string) string {
	if len(s) > maxCapturedOutput {
		return s[:maxCapturedOutput]
	}
	return s
}
