package hooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// HookType represents the type of hook
type HookType string

const (
	PostDeploy   HookType = "post-deploy"
	PostRollback HookType = "post-rollback"
)

// ParseHookType validates a hook name
func ParseHookType(s string) (HookType, error) {
	switch HookType(s) {
	case PostDeploy, PostRollback:
		return HookType(s), nil
	}
	return "", fmt.Errorf("invalid hook name: %s. Valid options: %s, %s", s, PostDeploy, PostRollback)
}

// Runner executes lifecycle hooks for workloads.
// Priority: file-based hook in Dir > script from config
type Runner struct {
	Dir     string
	Scripts map[HookType]string
	Logger  *slog.Logger
}

// Execute runs a hook if one is defined. env is added to the process
// environment of the hook.
func (r *Runner) Execute(ctx context.Context, hookType HookType, env map[string]string) error {
	if r == nil {
		return nil
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Dir != "" {
		hookPath := filepath.Join(r.Dir, string(hookType)+".sh")
		if _, err := os.Stat(hookPath); err == nil {
			logger.Info("running hook", "hook", hookType, "source", hookPath)
			return run(ctx, logger, hookType, env, "bash", hookPath)
		}
	}

	if script := r.Scripts[hookType]; script != "" {
		logger.Info("running hook", "hook", hookType, "source", "config")
		return run(ctx, logger, hookType, env, "bash", "-c", script)
	}

	return nil
}

func run(ctx context.Context, logger *slog.Logger, hookType HookType, env map[string]string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), Environ(env)...)

	err := cmd.Run()
	if out.Len() > 0 {
		logger.Debug("hook output", "hook", hookType, "output", out.String())
	}
	if err != nil {
		return fmt.Errorf("%s hook failed: %w: %s", hookType, err, out.String())
	}
	return nil
}

// Environ renders env as sorted KEY=value pairs
func Environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
