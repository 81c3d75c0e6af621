package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Policy decides what happens to an existing working tree on redeploy
type Policy string

const (
	// PolicyReset reuses a working tree cloned from the same origin and hard-resets it
	PolicyReset Policy = "reset"
	// PolicyReclone always removes the working tree and clones again
	PolicyReclone Policy = "reclone"
)

// ParsePolicy validates a policy name; empty means PolicyReset
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReset:
		return PolicyReset, nil
	case PolicyReclone:
		return PolicyReclone, nil
	}
	return "", fmt.Errorf("unknown worktree policy %q (want reset or reclone)", s)
}

// Fetcher brings a working tree in line with a remote repository using the git CLI
type Fetcher struct {
	Policy Policy
	Logger *slog.Logger
}

// Sync makes dir a clean checkout of repoURL. Returns true if dir was cloned
// afresh, false if an existing tree was reset.
func (f *Fetcher) Sync(ctx context.Context, repoURL, dir string) (bool, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Info("cloning repository", "repo", repoURL, "dir", dir)
		return true, Clone(ctx, repoURL, dir)
	}

	if f.Policy == PolicyReset {
		origin, err := OriginURL(ctx, dir)
		if err == nil && origin == repoURL {
			logger.Info("resetting working tree", "repo", repoURL, "dir", dir)
			return false, Reset(ctx, dir)
		}
		logger.Info("working tree does not match repository, cloning again",
			"dir", dir, "origin", origin, "repo", repoURL)
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove working tree: %w", err)
	}
	logger.Info("cloning repository", "repo", repoURL, "dir", dir)
	return true, Clone(ctx, repoURL, dir)
}

// Clone clones repoURL into dir
func Clone(ctx context.Context, repoURL, dir string) error {
	if _, err := run(ctx, "", "clone", repoURL, dir); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	return nil
}

// Reset discards local changes and moves dir to the remote's default branch head
func Reset(ctx context.Context, dir string) error {
	if _, err := run(ctx, dir, "fetch", "origin"); err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	if _, err := run(ctx, dir, "reset", "--hard", "origin/HEAD"); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	if _, err := run(ctx, dir, "clean", "-fdx"); err != nil {
		return fmt.Errorf("failed to clean: %w", err)
	}
	return nil
}

// OriginURL returns the fetch URL of the origin remote in dir
func OriginURL(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("failed to read origin: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	sub := args[0]
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w\nOutput: %s", sub, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
