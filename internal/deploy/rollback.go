package deploy

import (
	"context"
	"fmt"

	"github.com/thatjpcsguy/minipaas/internal/build"
	"github.com/thatjpcsguy/minipaas/internal/hooks"
	"github.com/thatjpcsguy/minipaas/internal/metrics"
	"github.com/thatjpcsguy/minipaas/internal/registry"
	"github.com/thatjpcsguy/minipaas/internal/version"
)

// Rollback replaces the running container for name with the previously
// published target version. The registry is not modified: CurrentVersion
// keeps naming the latest build. Only the primary container is replaced;
// replicas keep their image until the next scale event.
func (e *Engine) Rollback(ctx context.Context, name, target string) (res Result, err error) {
	defer func() {
		metrics.Rollbacks.WithLabelValues(metrics.Result(err)).Inc()
	}()

	logger := e.logger.With("workload", name, "target", target)

	if _, ok := e.reg.Get(name); !ok {
		return Result{}, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}

	v, err := version.Parse(target)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRollbackTargetNotFound, err)
	}

	unlock, err := e.reg.Lock(ctx, name)
	if err != nil {
		return Result{}, fmt.Errorf("failed to lock workload: %w", err)
	}
	defer unlock()

	rec, ok := e.reg.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	if !rec.HasPublished(v) {
		return Result{}, fmt.Errorf("%w: %s %s was never published", ErrRollbackTargetNotFound, name, v)
	}

	image := build.ImageRef(e.opts.RegistryHost, name, v)
	logger.Info("pulling rollback image", "image", image)
	if err := e.runtime.Pull(ctx, image); err != nil {
		logger.Error("rollback pull failed", "image", image, "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrRollbackTargetNotFound, err)
	}

	// Keep the env and limits of the container being replaced. Bind to the
	// recorded port, never a default.
	prev, _ := e.RunningSpec(name)
	spec := e.runSpec(name, image, rec.AllocatedPort, prev.Env, prev.Limits)
	if err := e.replace(ctx, spec); err != nil {
		logger.Error("rollback start failed", "error", err)
		return Result{}, err
	}

	e.setRunning(spec)
	logger.Info("rolled back", "version", v.String(), "port", rec.AllocatedPort, "current_version", rec.CurrentVersion.String())

	e.runHook(ctx, logger, hooks.PostRollback, name, spec, v)

	return Result{Name: name, Version: v, Port: rec.AllocatedPort, Image: image}, nil
}
