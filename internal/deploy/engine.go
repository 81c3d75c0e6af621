package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thatjpcsguy/minipaas/internal/build"
	"github.com/thatjpcsguy/minipaas/internal/docker"
	"github.com/thatjpcsguy/minipaas/internal/hooks"
	"github.com/thatjpcsguy/minipaas/internal/metrics"
	"github.com/thatjpcsguy/minipaas/internal/registry"
	"github.com/thatjpcsguy/minipaas/internal/version"
)

// Builder produces a published image for a workload version
type Builder interface {
	BuildAndPublish(ctx context.Context, name, sourceURL string, v version.Version, progress func(build.Phase)) (build.Artifact, error)
}

// Runtime starts and replaces workload containers
type Runtime interface {
	Pull(ctx context.Context, ref string) error
	Run(ctx context.Context, spec docker.RunSpec) error
	Remove(ctx context.Context, container string) error
}

// HookRunner runs lifecycle hooks
type HookRunner interface {
	Execute(ctx context.Context, hookType hooks.HookType, env map[string]string) error
}

// Options configures an Engine
type Options struct {
	// RegistryHost is the image registry rollback pulls from
	RegistryHost string
	// ServicePort is the port the workload listens on inside its container
	ServicePort int
	// Env and Limits are defaults merged under every request's values
	Env    map[string]string
	Limits docker.Limits
}

// Request asks for a workload to be built and started
type Request struct {
	Name      string            `json:"name"`
	SourceURL string            `json:"source_url"`
	Env       map[string]string `json:"env,omitempty"`
	Limits    docker.Limits     `json:"limits,omitempty"`
}

// Result describes a running workload version
type Result struct {
	Name     string          `json:"name"`
	DeployID string          `json:"deploy_id,omitempty"`
	Version  version.Version `json:"version"`
	Port     int             `json:"port"`
	Image    string          `json:"image"`
}

// Engine runs deploys, redeploys and rollbacks against the registry
type Engine struct {
	reg     *registry.Registry
	builder Builder
	runtime Runtime
	hooks   HookRunner
	opts    Options
	logger  *slog.Logger
	newID   func() string

	mu      sync.RWMutex
	running map[string]docker.RunSpec
}

// NewEngine creates an engine. hooks may be nil.
func NewEngine(reg *registry.Registry, builder Builder, runtime Runtime, hookRunner HookRunner, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reg:     reg,
		builder: builder,
		runtime: runtime,
		hooks:   hookRunner,
		opts:    opts,
		logger:  logger,
		newID:   uuid.NewString,
		running: make(map[string]docker.RunSpec),
	}
}

// Deploy builds req.SourceURL and starts it as req.Name. The first deploy of
// a name produces version v1.0 on a newly allocated port; later deploys
// produce the next version on the same port.
func (e *Engine) Deploy(ctx context.Context, req Request) (Result, error) {
	if err := ValidateName(req.Name); err != nil {
		return Result{}, err
	}
	if req.SourceURL == "" {
		return Result{}, fmt.Errorf("%w: source URL is required", ErrInvalidRequest)
	}
	return e.deploy(ctx, req)
}

// Redeploy rebuilds name from its recorded source URL. An empty env, or an
// empty limit, keeps the value the running container was started with.
func (e *Engine) Redeploy(ctx context.Context, name string, env map[string]string, limits docker.Limits) (Result, error) {
	if _, ok := e.reg.Get(name); !ok {
		return Result{}, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}

	if prev, ok := e.RunningSpec(name); ok {
		if len(env) == 0 {
			env = prev.Env
		}
		if limits.CPUs == "" {
			limits.CPUs = prev.Limits.CPUs
		}
		if limits.Memory == "" {
			limits.Memory = prev.Limits.Memory
		}
	}
	return e.deploy(ctx, Request{Name: name, Env: env, Limits: limits})
}

// deploy runs the state machine. An empty SourceURL means the one already
// recorded for the workload.
func (e *Engine) deploy(ctx context.Context, req Request) (res Result, err error) {
	id := e.newID()
	logger := e.logger.With("workload", req.Name, "deploy_id", id)
	started := time.Now()

	defer func() {
		metrics.Deploys.WithLabelValues(metrics.Result(err)).Inc()
		metrics.DeployDuration.Observe(time.Since(started).Seconds())
	}()

	var state State
	fail := func(err error) (Result, error) {
		if state == "" {
			state = StateFetching
		}
		logger.Error("deploy failed", "state", string(state), "error", err)
		logger.Info("deploy state", "state", string(StateFailed))
		return Result{}, &Error{Name: req.Name, DeployID: id, State: state, Err: err}
	}

	// The lock spans the build so two deploys of one name never build the
	// same version
	unlock, err := e.reg.Lock(ctx, req.Name)
	if err != nil {
		return fail(fmt.Errorf("failed to lock workload: %w", err))
	}
	defer unlock()

	existing, exists := e.reg.Get(req.Name)
	sourceURL := req.SourceURL
	if sourceURL == "" {
		if !exists {
			return fail(fmt.Errorf("%w: %s", registry.ErrNotFound, req.Name))
		}
		sourceURL = existing.SourceURL
	}

	v := version.Initial
	if exists {
		v = existing.CurrentVersion.Next()
	}
	logger = logger.With("version", v.String())

	transition := func(next State) {
		if next == state {
			return
		}
		state = next
		logger.Info("deploy state", "state", string(state))
	}

	artifact, err := e.builder.BuildAndPublish(ctx, req.Name, sourceURL, v, func(p build.Phase) {
		transition(stateForPhase(p))
	})
	if err != nil {
		return fail(err)
	}

	transition(StatePortAllocating)
	port := existing.AllocatedPort
	if !exists {
		// A port allocated here but never committed is simply not owned by
		// anyone; the high-water mark has already moved past it
		port, err = e.reg.AllocatePort()
		if err != nil {
			return fail(err)
		}
	}
	logger = logger.With("port", port)

	transition(StateStarting)
	spec := e.runSpec(req.Name, artifact.Image, port, req.Env, req.Limits)
	if err := e.replace(ctx, spec); err != nil {
		return fail(err)
	}

	if _, err := e.reg.UpsertAfterDeploy(ctx, req.Name, sourceURL, v, port); err != nil {
		logger.Warn("container started but the deploy was not recorded; the next deploy replaces it",
			"container", spec.Name)
		return fail(fmt.Errorf("failed to commit deploy: %w", err))
	}

	e.setRunning(spec)
	transition(StateCommitted)

	e.runHook(ctx, logger, hooks.PostDeploy, req.Name, spec, v)

	return Result{Name: req.Name, DeployID: id, Version: v, Port: port, Image: artifact.Image}, nil
}

// replace removes any previous primary container then starts spec
func (e *Engine) replace(ctx context.Context, spec docker.RunSpec) error {
	if err := e.runtime.Remove(ctx, spec.Name); err != nil {
		return fmt.Errorf("%w: failed to remove previous container %s: %w", ErrRuntimeStart, spec.Name, err)
	}
	if err := e.runtime.Run(ctx, spec); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeStart, err)
	}
	return nil
}

// runSpec builds the primary container spec. Request values win over the
// configured defaults.
func (e *Engine) runSpec(name, image string, port int, env map[string]string, limits docker.Limits) docker.RunSpec {
	merged := make(map[string]string, len(e.opts.Env)+len(env))
	for k, v := range e.opts.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	if limits.CPUs == "" {
		limits.CPUs = e.opts.Limits.CPUs
	}
	if limits.Memory == "" {
		limits.Memory = e.opts.Limits.Memory
	}

	return docker.RunSpec{
		Name:   ContainerName(name),
		Image:  image,
		Ports:  []docker.PortBinding{{Host: port, Container: e.opts.ServicePort}},
		Env:    merged,
		Limits: limits,
	}
}

func (e *Engine) setRunning(spec docker.RunSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[spec.Name] = spec
}

// RunningSpec returns the spec of the primary container currently running
// for name. After a restart, before any deploy or rollback, it is derived
// from the registry record.
func (e *Engine) RunningSpec(name string) (docker.RunSpec, bool) {
	e.mu.RLock()
	spec, ok := e.running[ContainerName(name)]
	e.mu.RUnlock()
	if ok {
		return spec, true
	}

	rec, ok := e.reg.Get(name)
	if !ok {
		return docker.RunSpec{}, false
	}
	image := build.ImageRef(e.opts.RegistryHost, name, rec.CurrentVersion)
	return e.runSpec(name, image, rec.AllocatedPort, nil, docker.Limits{}), true
}

// runHook runs a post-deploy or post-rollback hook. Failures are logged only.
func (e *Engine) runHook(ctx context.Context, logger *slog.Logger, hookType hooks.HookType, name string, spec docker.RunSpec, v version.Version) {
	if e.hooks == nil {
		return
	}

	port := 0
	if len(spec.Ports) > 0 {
		port = spec.Ports[0].Host
	}
	if err := e.hooks.Execute(ctx, hookType, HookEnv(name, v, spec.Image, port)); err != nil {
		logger.Warn("hook failed", "hook", string(hookType), "error", err)
	}
}

// HookEnv returns the environment a hook runs with for a workload instance
func HookEnv(name string, v version.Version, image string, port int) map[string]string {
	return map[string]string{
		"MINIPAAS_WORKLOAD":  name,
		"MINIPAAS_VERSION":   v.String(),
		"MINIPAAS_IMAGE":     image,
		"MINIPAAS_CONTAINER": ContainerName(name),
		"MINIPAAS_PORT":      strconv.Itoa(port),
	}
}
