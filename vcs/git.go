// Package vcs provides the snapshot/restore primitives the orchestrator
// needs over a git worktree. Every git invocation passes filenames as
// distinct argv entries; nothing is ever interpolated into a shell
// string.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dshills/orchestra-go/workflow"
)

// Runner executes one git command in a directory and returns its stdout.
// Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Git is the VCS adapter over a worktree.
type Git struct {
	runner Runner
}

// New creates a Git adapter. A nil runner defaults to ExecRunner.
func New(runner Runner) *Git {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Git{runner: runner}
}

// IsRepo reports whether dir is inside a git worktree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, err := g.runner.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Diff returns the change text of the worktree against HEAD, staged and
// unstaged combined.
func (g *Git) Diff(ctx context.Context, dir string) (string, error) {
	return g.runner.Run(ctx, dir, "diff", "HEAD")
}

// Snapshot records the worktree baseline: HEAD commit plus the set of
// files already modified or untracked. Pre-existing dirty files belong
// to the user; revert will leave them alone. No stash is taken.
func (g *Git) Snapshot(ctx context.Context, dir string) (workflow.GitSnapshot, error) {
	head, err := g.runner.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return workflow.GitSnapshot{}, fmt.Errorf("failed to read HEAD: %w", err)
	}

	status, err := g.runner.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return workflow.GitSnapshot{}, fmt.Errorf("failed to read worktree status: %w", err)
	}

	return workflow.GitSnapshot{
		HeadCommit: strings.TrimSpace(head),
		DirtyFiles: parsePorcelain(status),
	}, nil
}

// Revert restores every file the batch changed back to the snapshot
// HEAD, leaving pre-snapshot dirty files untouched. Files that did not
// exist at the snapshot HEAD are removed.
func (g *Git) Revert(ctx context.Context, dir string, snap workflow.GitSnapshot) error {
	if snap.HeadCommit == "" {
		return fmt.Errorf("snapshot has no HEAD commit")
	}

	diff, err := g.runner.Run(ctx, dir, "diff", "--name-only", snap.HeadCommit)
	if err != nil {
		return fmt.Errorf("failed to diff against snapshot: %w", err)
	}

	status, err := g.runner.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}

	changed := make(map[string]bool)
	for _, f := range splitLines(diff) {
		changed[f] = true
	}
	for _, f := range parsePorcelain(status) {
		changed[f] = true
	}
	preDirty := make(map[string]bool, len(snap.DirtyFiles))
	for _, f := range snap.DirtyFiles {
		preDirty[f] = true
	}

	for file := range changed {
		if preDirty[file] {
			continue
		}
		if g.existsAtCommit(ctx, dir, snap.HeadCommit, file) {
			// Filename is its own argv entry after the -- separator.
			if _, err := g.runner.Run(ctx, dir, "checkout", snap.HeadCommit, "--", file); err != nil {
				return fmt.Errorf("failed to restore %s: %w", file, err)
			}
			continue
		}
		if err := os.Remove(filepath.Join(dir, file)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

func (g *Git) existsAtCommit(ctx context.Context, dir, commit, file string) bool {
	_, err := g.runner.Run(ctx, dir, "cat-file", "-e", commit+":"+file)
	return err == nil
}

// parsePorcelain extracts filenames from `git status --porcelain`
// output. Renames report the new path.
func parsePorcelain(out string) []string {
	var files []string
	for _, line := range splitLines(out) {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		files = append(files, path)
	}
	return files
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
