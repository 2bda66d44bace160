// Package gitops wraps the git CLI for clone, inspection, and
// change-set extraction inside execution workspaces.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"repopilot/pkg/logx"
)

// Runner executes git commands in a repository directory.
type Runner struct {
	logger *logx.Logger
}

func NewRunner() *Runner {
	return &Runner{logger: logx.NewLogger("gitops")}
}

// CloneOptions configures a workspace clone.
type CloneOptions struct {
	// URL is the HTTPS clone URL without embedded credentials.
	URL string
	// Branch to check out; the remote default branch when empty.
	Branch string
	// Token is a short-lived access token. It is passed to git through
	// an askpass helper environment variable and never written to disk
	// or embedded in the remote URL.
	Token string
	// Depth enables a shallow clone when > 0.
	Depth int
}

// Clone clones a repository into dir. dir must exist and be empty.
func (r *Runner) Clone(ctx context.Context, dir string, opts CloneOptions) error {
	if opts.URL == "" {
		return fmt.Errorf("clone URL is required")
	}

	args := []string{"clone"}
	if opts.Depth > 0 {
		args = append(args, fmt.Sprintf("--depth=%d", opts.Depth))
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, opts.URL, dir)

	env := os.Environ()
	if opts.Token != "" {
		helper, cleanup, err := writeAskpassHelper(dir)
		if err != nil {
			return err
		}
		defer cleanup()
		env = append(env,
			"GIT_ASKPASS="+helper,
			"REPOPILOT_GIT_TOKEN="+opts.Token,
			"GIT_TERMINAL_PROMPT=0",
		)
	}

	r.logger.Debug("Cloning %s into %s", opts.URL, dir)
	if out, err := r.runEnv(ctx, "", env, args...); err != nil {
		return fmt.Errorf("git clone failed: %w\nOutput: %s", err, sanitize(out, opts.Token))
	}
	return nil
}

// HeadCommit returns the full SHA of HEAD.
func (r *Runner) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := r.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CheckoutNewBranch creates and checks out a new branch at HEAD.
func (r *Runner) CheckoutNewBranch(ctx context.Context, dir, branch string) error {
	if out, err := r.run(ctx, dir, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("failed to create branch %s: %w\nOutput: %s", branch, err, out)
	}
	return nil
}

// Status extracts the working-tree change set via porcelain status.
func (r *Runner) Status(ctx context.Context, dir string) (*ChangeSet, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	return parsePorcelain(out), nil
}

// Diff returns the unified diff of uncommitted changes, staged and not.
func (r *Runner) Diff(ctx context.Context, dir string) (string, error) {
	out, err := r.run(ctx, dir, "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w", err)
	}
	return out, nil
}

// AddAll stages every change in the working tree.
func (r *Runner) AddAll(ctx context.Context, dir string) error {
	if out, err := r.run(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w\nOutput: %s", err, out)
	}
	return nil
}

// Commit records the staged changes with identity taken from config.
func (r *Runner) Commit(ctx context.Context, dir, message string) error {
	args := []string{
		"-c", "user.name=repopilot",
		"-c", "user.email=repopilot@localhost",
		"commit", "-m", message,
	}
	if out, err := r.run(ctx, dir, args...); err != nil {
		return fmt.Errorf("git commit failed: %w\nOutput: %s", err, out)
	}
	return nil
}

// Push pushes branch to origin using the same askpass credential flow
// as Clone.
func (r *Runner) Push(ctx context.Context, dir, branch, token string) error {
	env := os.Environ()
	if token != "" {
		helper, cleanup, err := writeAskpassHelper(dir)
		if err != nil {
			return err
		}
		defer cleanup()
		env = append(env,
			"GIT_ASKPASS="+helper,
			"REPOPILOT_GIT_TOKEN="+token,
			"GIT_TERMINAL_PROMPT=0",
		)
	}

	if out, err := r.runEnv(ctx, dir, env, "push", "origin", branch); err != nil {
		return fmt.Errorf("git push failed: %w\nOutput: %s", err, sanitize(out, token))
	}
	return nil
}

func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	return r.runEnv(ctx, dir, nil, args...)
}

func (r *Runner) runEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// writeAskpassHelper writes a helper script next to the clone that
// echoes the token from the child process environment. The script
// itself contains no secret.
func writeAskpassHelper(dir string) (string, func(), error) {
	parent := filepath.Dir(dir)
	helper := filepath.Join(parent, ".askpass.sh")
	script := "#!/bin/sh\necho \"$REPOPILOT_GIT_TOKEN\"\n"
	if err := os.WriteFile(helper, []byte(script), 0o700); err != nil {
		return "", nil, fmt.Errorf("failed to write askpass helper: %w", err)
	}
	cleanup := func() { _ = os.Remove(helper) }
	return helper, cleanup, nil
}

// sanitize strips the token from git output before it reaches logs or
// error messages.
func sanitize(out, token string) string {
	if token == "" {
		return out
	}
	return strings.ReplaceAll(out, token, "[REDACTED]")
}
