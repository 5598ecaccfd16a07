// Package gitpr is the git/PR collaborator: it pushes the project's current
// branch and opens a pull request through the GitHub CLI. Invoked by the
// orchestrator only after an epic fully succeeds.
package gitpr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds each git/gh invocation.
const commandTimeout = 2 * time.Minute

// Helper shells out to git and the GitHub CLI inside the project directory.
type Helper struct {
	logger *slog.Logger
}

// NewHelper creates a git/PR helper.
func NewHelper() *Helper {
	return &Helper{logger: slog.Default().With("component", "gitpr")}
}

// CreatePR pushes the current branch and opens a PR, returning its URL.
func (h *Helper) CreatePR(ctx context.Context, projectPath, title, body string) (string, error) {
	branch, err := h.output(ctx, projectPath, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve branch: %w", err)
	}
	branch = strings.TrimSpace(branch)
	if branch == "" || branch == "HEAD" {
		return "", fmt.Errorf("project is not on a branch (detached HEAD)")
	}

	if _, err := h.output(ctx, projectPath, "git", "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("failed to push branch %s: %w", branch, err)
	}

	url, err := h.output(ctx, projectPath, "gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--head", branch)
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w", err)
	}

	url = lastNonEmptyLine(url)
	h.logger.Info("PR created", "branch", branch, "url", url)
	return url, nil
}

// output runs a command in dir and returns its combined output.
func (h *Helper) output(ctx context.Context, dir, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// lastNonEmptyLine extracts the PR URL from gh's output.
func lastNonEmptyLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
