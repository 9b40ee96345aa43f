// Package gitexec wraps the git CLI behind a small interface so the
// compound loop and worktree management can be tested against fakes.
package gitexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Invoker is the git surface the rest of the server depends on. All
// paths are absolute; every call shells out to git in the given repo.
type Invoker interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// PorcelainStatus returns `git status --porcelain` output, one
	// entry per line, empty when the tree is clean.
	PorcelainStatus(ctx context.Context, dir string) ([]string, error)
	CheckoutNew(ctx context.Context, dir, name, from string) error
	Checkout(ctx context.Context, dir, name string) error
	CommitAll(ctx context.Context, dir, message string) error
	StashPush(ctx context.Context, dir, label string) error
	StashPop(ctx context.Context, dir string) error
	AddWorktree(ctx context.Context, repo, path, branch string) error
	RemoveWorktree(ctx context.Context, repo, path string) error
}

// CLI shells out to the git binary.
type CLI struct{}

// NewCLI returns a git CLI invoker.
func NewCLI() *CLI { return &CLI{} }

func (c *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		if out != "" {
			return "", fmt.Errorf("git %s: %s", args[0], out)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

func (c *CLI) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("detached HEAD in %s", dir)
	}
	return out, nil
}

func (c *CLI) PorcelainStatus(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (c *CLI) CheckoutNew(ctx context.Context, dir, name, from string) error {
	_, err := c.run(ctx, dir, "checkout", "-b", name, from)
	return err
}

func (c *CLI) Checkout(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, "checkout", name)
	return err
}

func (c *CLI) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	// --no-verify: fleet commits must not trip user hooks mid-loop.
	_, err := c.run(ctx, dir, "commit", "--no-verify", "-m", message)
	if err != nil && strings.Contains(err.Error(), "nothing to commit") {
		return nil
	}
	return err
}

func (c *CLI) StashPush(ctx context.Context, dir, label string) error {
	_, err := c.run(ctx, dir, "stash", "push", "--include-untracked", "-m", label)
	return err
}

func (c *CLI) StashPop(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "stash", "pop")
	return err
}

func (c *CLI) AddWorktree(ctx context.Context, repo, path, branch string) error {
	_, err := c.run(ctx, repo, "worktree", "add", "-b", branch, path)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		// Branch left over from a previous run; attach to it instead.
		_, err = c.run(ctx, repo, "worktree", "add", path, branch)
	}
	return err
}

func (c *CLI) RemoveWorktree(ctx context.Context, repo, path string) error {
	_, err := c.run(ctx, repo, "worktree", "remove", "--force", path)
	return err
}
