package gitexec

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Invoker for tests. It tracks the current branch
// and a stash depth, and records every call in order.
type Fake struct {
	mu      sync.Mutex
	Branch  string
	Dirty   []string // porcelain lines returned until the next CommitAll
	Stashed int
	Calls   []string

	// FailOn, when non-empty, fails any call whose name matches.
	FailOn string
}

// NewFake starts on the given branch with a clean tree.
func NewFake(branch string) *Fake {
	return &Fake{Branch: branch}
}

func (f *Fake) record(call string) error {
	f.Calls = append(f.Calls, call)
	if f.FailOn != "" && call == f.FailOn {
		return fmt.Errorf("git %s: injected failure", call)
	}
	return nil
}

func (f *Fake) CurrentBranch(ctx context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("branch"); err != nil {
		return "", err
	}
	return f.Branch, nil
}

func (f *Fake) PorcelainStatus(ctx context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("status"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.Dirty...), nil
}

func (f *Fake) CheckoutNew(ctx context.Context, dir, name, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("checkout-new " + name); err != nil {
		return err
	}
	f.Branch = name
	return nil
}

func (f *Fake) Checkout(ctx context.Context, dir, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("checkout " + name); err != nil {
		return err
	}
	f.Branch = name
	return nil
}

func (f *Fake) CommitAll(ctx context.Context, dir, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("commit"); err != nil {
		return err
	}
	f.Dirty = nil
	return nil
}

func (f *Fake) StashPush(ctx context.Context, dir, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stash-push " + label); err != nil {
		return err
	}
	f.Stashed++
	f.Dirty = nil
	return nil
}

func (f *Fake) StashPop(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stash-pop"); err != nil {
		return err
	}
	if f.Stashed == 0 {
		return fmt.Errorf("git stash: no stash entries")
	}
	f.Stashed--
	return nil
}

func (f *Fake) AddWorktree(ctx context.Context, repo, path, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("worktree-add " + path)
}

func (f *Fake) RemoveWorktree(ctx context.Context, repo, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("worktree-remove " + path)
}
