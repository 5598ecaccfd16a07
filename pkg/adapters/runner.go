package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gpt153/supervisor/pkg/router"
)

// cliRunner executes one backend CLI with deadline-driven termination.
// On context cancellation the child receives SIGTERM; after the grace period
// the runtime escalates to SIGKILL (exec.Cmd.WaitDelay).
type cliRunner struct {
	binary string
	grace  time.Duration
}

// run invokes the binary with the given args, instructions on stdin, and
// stdout/stderr captured to the named files. The child runs with cwd set to
// in.CWD; the supervisor process never changes its own working directory.
func (r *cliRunner) run(ctx context.Context, in RunInput, args []string) (*RunResult, error) {
	if in.CWD == "" {
		return nil, fmt.Errorf("adapter run requires a working directory")
	}
	if info, err := os.Stat(in.CWD); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory %q is not a directory", in.CWD)
	}

	instructions, err := os.Open(in.InstructionsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open instructions file: %w", err)
	}
	defer func() { _ = instructions.Close() }()

	stdout, err := os.Create(in.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout file: %w", err)
	}
	defer func() { _ = stdout.Close() }()

	stderr, err := os.Create(in.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr file: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = in.CWD
	cmd.Stdin = instructions
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Child gets a copy of the environment; the parent's is never mutated.
	cmd.Env = os.Environ()

	// Deadline expiry sends SIGTERM; WaitDelay escalates to SIGKILL after the
	// grace period if the child ignores it.
	cmd.Cancel = func() error {
		slog.Info("Terminating CLI process on deadline", "binary", r.binary, "pid", cmd.Process.Pid)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start).Milliseconds()

	result := &RunResult{
		StdoutPath: in.StdoutPath,
		StderrPath: in.StderrPath,
		DurationMS: duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			result.ExitCode = -1
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		default:
			return nil, fmt.Errorf("failed to run %s: %w", r.binary, err)
		}
	}

	result.ExitCode = 0
	return result, nil
}

// probeQuota runs the service's cheap quota subcommand with a short timeout.
// A zero exit means quota is available; a non-zero exit or "quota"/"limit"
// wording in the output marks the service exhausted. A missing binary is
// reported as unavailable rather than an error so routing can fall through.
func (r *cliRunner) probeQuota(ctx context.Context, args []string) router.QuotaStatus {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, r.binary, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = err.Error()
		}
		return router.QuotaStatus{Available: false, Reason: reason}
	}

	lower := strings.ToLower(string(out))
	if strings.Contains(lower, "quota exceeded") || strings.Contains(lower, "rate limit") {
		return router.QuotaStatus{Available: false, Reason: strings.TrimSpace(string(out))}
	}
	return router.QuotaStatus{Available: true}
}
