package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// PortBinding maps a host port to a container port
type PortBinding struct {
	Host      int
	Container int
}

// Limits are runtime constraints passed to docker verbatim
type Limits struct {
	CPUs   string `json:"cpus,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// RunSpec describes a detached container to start
type RunSpec struct {
	Name   string
	Image  string
	Ports  []PortBinding
	Env    map[string]string
	Limits Limits
}

// CommandError is a failed docker invocation. Output is the combined
// stdout/stderr reported by docker.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("docker %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("docker %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CLI drives the docker command line client
type CLI struct {
	// Binary defaults to "docker"
	Binary string
	Logger *slog.Logger
}

// Build builds an image tagged tag from contextDir
func (c *CLI) Build(ctx context.Context, tag, contextDir string) error {
	return c.run(ctx, "build", "-t", tag, contextDir)
}

// Tag adds dst as a name for the image src
func (c *CLI) Tag(ctx context.Context, src, dst string) error {
	return c.run(ctx, "tag", src, dst)
}

// Push uploads ref to its registry
func (c *CLI) Push(ctx context.Context, ref string) error {
	return c.run(ctx, "push", ref)
}

// Pull downloads ref from its registry
func (c *CLI) Pull(ctx context.Context, ref string) error {
	return c.run(ctx, "pull", ref)
}

// Run starts a detached container
func (c *CLI) Run(ctx context.Context, spec RunSpec) error {
	return c.run(ctx, RunArgs(spec)...)
}

// Kill sends signal to a running container
func (c *CLI) Kill(ctx context.Context, container, signal string) error {
	return c.run(ctx, "kill", "-s", signal, container)
}

// Remove force-removes a container. A container that does not exist is not an error.
func (c *CLI) Remove(ctx context.Context, container string) error {
	err := c.run(ctx, "rm", "-f", container)
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && strings.Contains(ce.Output, "No such container") {
		return nil
	}
	return err
}

// Logs streams the output of a container to out until it exits or, with
// follow, until ctx is cancelled
func (c *CLI) Logs(ctx context.Context, container string, follow bool, out io.Writer) error {
	args := []string{"logs"}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, container)

	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &CommandError{Args: args, Err: err}
	}
	return nil
}

// RunArgs returns the docker arguments for spec. Env is sorted so the
// command line is stable.
func RunArgs(spec RunSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}

	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.Host, p.Container))
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	if spec.Limits.CPUs != "" {
		args = append(args, "--cpus", spec.Limits.CPUs)
	}
	if spec.Limits.Memory != "" {
		args = append(args, "--memory", spec.Limits.Memory)
	}

	return append(args, spec.Image)
}

func (c *CLI) run(ctx context.Context, args ...string) error {
	bin := c.binary()
	if c.Logger != nil {
		c.Logger.Debug("running docker", "args", strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return &CommandError{Args: args, Output: strings.TrimSpace(out.String()), Err: err}
	}
	return nil
}

func (c *CLI) binary() string {
	if c.Binary == "" {
		return "docker"
	}
	return c.Binary
}
