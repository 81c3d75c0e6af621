package autoscale

import (
	"context"
	"log/slog"
	"time"

	"github.com/thatjpcsguy/minipaas/internal/metrics"
	"github.com/thatjpcsguy/minipaas/internal/registry"
)

// DefaultInterval is the time between samples
const DefaultInterval = 60 * time.Second

// Sampler reports how many requests arrived since the previous call
type Sampler interface {
	Sample() (int, error)
}

// Scaler changes the number of running instances of a workload
type Scaler interface {
	Scale(ctx context.Context, name string, ports []int, desired int) ([]int, error)
	Clear(ctx context.Context, name string, count int) error
}

// ProxyApplier publishes the backend ports of a workload to the reverse proxy
type ProxyApplier interface {
	Apply(ctx context.Context, name string, ports []int) error
}

// Monitor failure phases, used as the metrics label
const (
	phaseSample   = "sample"
	phaseScale    = "scale"
	phaseRegistry = "registry"
	phaseProxy    = "proxy"
	phaseStart    = "start"
)

// Controller is the control loop for one workload
type Controller struct {
	Name      string
	Threshold int
	Interval  time.Duration
	Sampler   Sampler
	Scaler    Scaler
	Registry  *registry.Registry
	Proxy     ProxyApplier
	Logger    *slog.Logger

	// Scaling state, owned by the Run goroutine
	current int
	ports   []int
	dirty   bool
}

// Run executes the loop until ctx is cancelled. Failures in any step are
// logged and the loop carries on. Cancellation is observed only between
// cycles: a reconfiguration that has started always finishes.
func (c *Controller) Run(ctx context.Context) {
	logger := c.logger()
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger.Info("monitor started", "threshold", c.Threshold, "interval", interval.String())
	defer logger.Info("monitor stopped")

	c.reset(context.WithoutCancel(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Stop may have been requested while waiting for the tick
		if ctx.Err() != nil {
			return
		}
		c.cycle(context.WithoutCancel(ctx))
	}
}

// reset drops scaling state left by a previous process: the workload goes
// back to its primary instance only
func (c *Controller) reset(ctx context.Context) {
	logger := c.logger()

	unlock, err := c.Registry.Lock(ctx, c.Name)
	if err != nil {
		c.failed(phaseStart, "failed to lock workload", err)
		return
	}
	defer unlock()

	rec, ok := c.Registry.Get(c.Name)
	if !ok {
		c.failed(phaseStart, "workload is not registered", registry.ErrNotFound)
		return
	}

	c.current = 1
	c.ports = []int{rec.AllocatedPort}

	if rec.InstanceCount > 1 {
		logger.Info("resetting instance count left by a previous monitor", "instances", rec.InstanceCount)
		if err := c.Scaler.Clear(ctx, c.Name, rec.InstanceCount); err != nil {
			c.failed(phaseScale, "failed to remove stale replicas", err)
		}
		if _, err := c.Registry.SetInstanceCount(ctx, c.Name, 1); err != nil {
			c.failed(phaseRegistry, "failed to reset instance count", err)
		}
	}
	metrics.Instances.WithLabelValues(c.Name).Set(1)

	c.applyProxy(ctx)
}

// cycle runs one Sampling, Deciding and, if needed, Reconfiguring pass
func (c *Controller) cycle(ctx context.Context) {
	logger := c.logger()

	observed, err := c.Sampler.Sample()
	if err != nil {
		c.failed(phaseSample, "failed to sample request log", err)
		return
	}

	current := c.current
	if current < 1 {
		current = 1
	}
	desired := Decide(observed, c.Threshold, current)

	logger.Debug("sampled", "observed", observed, "threshold", c.Threshold, "instances", current, "desired", desired)

	if desired == current && !c.dirty {
		return
	}
	c.reconfigure(ctx, desired)
}

func (c *Controller) reconfigure(ctx context.Context, desired int) {
	logger := c.logger()

	unlock, err := c.Registry.Lock(ctx, c.Name)
	if err != nil {
		c.failed(phaseScale, "failed to lock workload", err)
		return
	}
	defer unlock()

	if len(c.ports) == 0 {
		rec, ok := c.Registry.Get(c.Name)
		if !ok {
			c.failed(phaseScale, "workload is not registered", registry.ErrNotFound)
			return
		}
		c.ports = []int{rec.AllocatedPort}
		c.current = 1
	}

	previous := c.current
	if desired != previous {
		ports, err := c.Scaler.Scale(ctx, c.Name, c.ports, desired)
		c.ports = ports
		if err != nil {
			c.failed(phaseScale, "failed to scale", err)
		}

		if n := len(ports); n != previous {
			if _, err := c.Registry.SetInstanceCount(ctx, c.Name, n); err != nil {
				c.failed(phaseRegistry, "failed to record instance count", err)
			}
			direction := metrics.DirectionUp
			if n < previous {
				direction = metrics.DirectionDown
			}
			metrics.ScaleEvents.WithLabelValues(direction).Inc()
			metrics.Instances.WithLabelValues(c.Name).Set(float64(n))
			logger.Info("scaled", "from", previous, "to", n)
			c.current = n
			c.dirty = true
		}
	}

	if c.dirty {
		c.applyProxy(ctx)
	}
}

// applyProxy writes the proxy routes for the current ports. On failure the
// routes are retried on the next cycle.
func (c *Controller) applyProxy(ctx context.Context) {
	if err := c.Proxy.Apply(ctx, c.Name, c.ports); err != nil {
		c.dirty = true
		c.failed(phaseProxy, "failed to apply proxy config", err)
		return
	}
	c.dirty = false
}

func (c *Controller) failed(phase, msg string, err error) {
	metrics.MonitorErrors.WithLabelValues(phase).Inc()
	c.logger().Error(msg, "phase", phase, "error", err)
}

func (c *Controller) logger() *slog.Logger {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("workload", c.Name)
}
