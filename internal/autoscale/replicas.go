package autoscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/thatjpcsguy/minipaas/internal/docker"
	"github.com/thatjpcsguy/minipaas/internal/registry"
)

// ContainerRuntime starts and removes replica containers
type ContainerRuntime interface {
	Run(ctx context.Context, spec docker.RunSpec) error
	Remove(ctx context.Context, container string) error
}

// SpecSource returns the spec of a workload's primary container
type SpecSource interface {
	RunningSpec(name string) (docker.RunSpec, bool)
}

// PortSource hands out host ports that no workload owns
type PortSource interface {
	AllocatePort() (int, error)
}

// Replicas runs extra instances of a workload next to its primary container.
// Instance 0 is the primary container; instance i > 0 is paas-<name>-<i>.
//
// Ports of removed replicas go to a pool shared by every workload and are
// reused before a new one is taken from Ports, so load swinging around a
// threshold does not walk the port high-water mark forward.
type Replicas struct {
	Runtime  ContainerRuntime
	Specs    SpecSource
	Ports    PortSource
	// PortFree reports whether a pooled port can still be bound; defaults
	// to registry.IsPortAvailable
	PortFree func(port int) bool
	Logger   *slog.Logger

	mu   sync.Mutex
	free []int
	live map[string]int // replica container -> host port
}

// ReplicaName is the container name of instance i of a workload
func ReplicaName(name string, i int) string {
	return fmt.Sprintf("paas-%s-%d", name, i)
}

// Scale grows or shrinks ports, the backend port of every running instance,
// to desired entries. It returns the ports actually running, which on error
// may be between the old and desired counts.
func (r *Replicas) Scale(ctx context.Context, name string, ports []int, desired int) ([]int, error) {
	if desired < 1 {
		desired = 1
	}
	out := append([]int(nil), ports...)

	for len(out) < desired {
		port, err := r.start(ctx, name, len(out))
		if err != nil {
			return out, err
		}
		out = append(out, port)
	}

	for len(out) > desired && len(out) > 1 {
		i := len(out) - 1
		if err := r.Runtime.Remove(ctx, ReplicaName(name, i)); err != nil {
			return out, fmt.Errorf("failed to remove replica %d of %s: %w", i, name, err)
		}
		r.logger().Info("replica stopped", "workload", name, "instance", i, "port", out[i])
		r.release(ReplicaName(name, i), out[i])
		out = out[:i]
	}

	return out, nil
}

func (r *Replicas) start(ctx context.Context, name string, i int) (int, error) {
	tmpl, ok := r.Specs.RunningSpec(name)
	if !ok {
		return 0, fmt.Errorf("no running container for %s to replicate", name)
	}
	if len(tmpl.Ports) == 0 {
		return 0, errors.New("primary container has no port binding")
	}

	port, err := r.acquire()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port for replica %d of %s: %w", i, name, err)
	}

	spec := tmpl
	spec.Name = ReplicaName(name, i)
	spec.Ports = []docker.PortBinding{{Host: port, Container: tmpl.Ports[0].Container}}

	if err := r.Runtime.Remove(ctx, spec.Name); err != nil {
		r.release("", port)
		return 0, fmt.Errorf("failed to remove stale replica %s: %w", spec.Name, err)
	}
	r.forget(spec.Name)
	if err := r.Runtime.Run(ctx, spec); err != nil {
		r.release("", port)
		return 0, fmt.Errorf("failed to start replica %d of %s: %w", i, name, err)
	}

	r.track(spec.Name, port)
	r.logger().Info("replica started", "workload", name, "instance", i, "port", port, "image", spec.Image)
	return port, nil
}

// acquire returns the lowest pooled port that is still free, else a new one
// from Ports. Pooled ports found busy are dropped.
func (r *Replicas) acquire() (int, error) {
	usable := r.PortFree
	if usable == nil {
		usable = registry.IsPortAvailable
	}

	r.mu.Lock()
	for len(r.free) > 0 {
		port := r.free[0]
		r.free = r.free[1:]
		if usable(port) {
			r.mu.Unlock()
			return port, nil
		}
		r.logger().Debug("pooled replica port is busy, dropping it", "port", port)
	}
	r.mu.Unlock()

	return r.Ports.AllocatePort()
}

func (r *Replicas) track(container string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.live == nil {
		r.live = make(map[string]int)
	}
	r.live[container] = port
}

// forget pools the port of a removed container this Replicas started
func (r *Replicas) forget(container string) {
	r.mu.Lock()
	port, ok := r.live[container]
	r.mu.Unlock()
	if ok {
		r.release(container, port)
	}
}

// release returns port to the pool and forgets container, if named
func (r *Replicas) release(container string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, container)
	r.free = append(r.free, port)
	sort.Ints(r.free)
}

// Clear removes replicas 1..count-1 left by a previous controller
func (r *Replicas) Clear(ctx context.Context, name string, count int) error {
	var result *multierror.Error
	for i := count - 1; i >= 1; i-- {
		container := ReplicaName(name, i)
		if err := r.Runtime.Remove(ctx, container); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		r.forget(container)
	}
	return result.ErrorOrNil()
}

func (r *Replicas) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
