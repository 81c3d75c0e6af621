package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thatjpcsguy/minipaas/internal/version"
)

// Options configures a Registry
type Options struct {
	BasePort   int
	ProbeLimit int
	// Probe reports whether a host port is free; defaults to IsPortAvailable
	Probe  func(port int) bool
	Logger *slog.Logger
}

// Registry is the durable record of deployed workloads. Every mutation is
// written through to the Store before it returns.
//
// Callers serialize work on a single workload with Lock; the registry itself
// only guards its map and the persisted file.
type Registry struct {
	store  Store
	logger *slog.Logger
	ports  *PortAllocator
	locks  *keyedLocks
	now    func() time.Time

	// writeMu serializes mutate+persist so a failed save can be rolled back
	writeMu sync.Mutex

	mu      sync.RWMutex
	records map[string]*WorkloadRecord
}

// Open creates a registry over store and reloads persisted state. Corrupt
// state is logged as a warning and replaced by an empty registry.
func Open(ctx context.Context, store Store, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		store:   store,
		logger:  logger,
		ports:   NewPortAllocator(opts.BasePort, opts.ProbeLimit, opts.Probe),
		locks:   newKeyedLocks(),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		records: make(map[string]*WorkloadRecord),
	}

	if err := r.Reload(ctx); err != nil {
		if !errors.Is(err, ErrStateCorrupt) {
			return nil, err
		}
		logger.Warn("persisted registry is corrupt, starting with an empty registry; existing workloads are forgotten",
			"error", err)
		r.ports.Restore(0)
	}

	return r, nil
}

// Close closes the underlying store
func (r *Registry) Close() error {
	return r.store.Close()
}

// Reload replaces the in-memory registry with the persisted state and
// restores the port high-water mark
func (r *Registry) Reload(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	records, err := snap.Records()
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	highest := 0
	for _, rec := range records {
		if rec.AllocatedPort > highest {
			highest = rec.AllocatedPort
		}
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()

	r.ports.Restore(highest)

	r.logger.Info("registry loaded", "workloads", len(records), "next_port", r.ports.Next())
	return nil
}

// Persist writes the full registry to the store
func (r *Registry) Persist(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	snap := snapshotOf(r.records)
	r.mu.RUnlock()

	if err := r.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to persist registry: %w", err)
	}
	return nil
}

// Lock acquires the per-workload lock for name. It blocks until the lock is
// free or ctx is done.
func (r *Registry) Lock(ctx context.Context, name string) (func(), error) {
	return r.locks.lock(ctx, name)
}

// Get returns a copy of the record for name
func (r *Registry) Get(name string) (WorkloadRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return WorkloadRecord{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records ordered by name
func (r *Registry) List() []WorkloadRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkloadRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllocatePort reserves a new host port that no workload owns
func (r *Registry) AllocatePort() (int, error) {
	return r.ports.Allocate(r.portOwned)
}

func (r *Registry) portOwned(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.AllocatedPort == port {
			return true
		}
	}
	return false
}

// UpsertAfterDeploy records a successful deploy. A new workload is created
// with port; an existing one keeps its original port and gains v as its
// current version.
func (r *Registry) UpsertAfterDeploy(ctx context.Context, name, sourceURL string, v version.Version, port int) (WorkloadRecord, error) {
	return r.mutate(ctx, name, func(cur *WorkloadRecord, others map[string]*WorkloadRecord) (*WorkloadRecord, error) {
		now := r.now()

		if cur == nil {
			if port <= 0 {
				return nil, fmt.Errorf("%w: %s needs a port", ErrInvalidRecord, name)
			}
			for _, other := range others {
				if other.AllocatedPort == port {
					return nil, fmt.Errorf("%w: port %d already belongs to %s", ErrInvalidRecord, port, other.Name)
				}
			}
			return &WorkloadRecord{
				Name:           name,
				SourceURL:      sourceURL,
				CurrentVersion: v,
				AllocatedPort:  port,
				InstanceCount:  1,
				Published:      []version.Version{v},
				CreatedAt:      now,
				UpdatedAt:      now,
			}, nil
		}

		if !cur.CurrentVersion.Less(v) {
			return nil, fmt.Errorf("%w: %s version %s does not follow %s", ErrInvalidRecord, name, v, cur.CurrentVersion)
		}

		cur.SourceURL = sourceURL
		cur.CurrentVersion = v
		cur.Published = append(cur.Published, v)
		cur.UpdatedAt = now
		return cur, nil
	})
}

// SetInstanceCount records the number of running instances for name
func (r *Registry) SetInstanceCount(ctx context.Context, name string, count int) (WorkloadRecord, error) {
	if count < 1 {
		return WorkloadRecord{}, fmt.Errorf("%w: instance count %d is below 1", ErrInvalidRecord, count)
	}

	return r.mutate(ctx, name, func(cur *WorkloadRecord, _ map[string]*WorkloadRecord) (*WorkloadRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		cur.InstanceCount = count
		cur.UpdatedAt = r.now()
		return cur, nil
	})
}

// mutate applies fn to a copy of the record for name and persists the result.
// If persisting fails the previous record is put back.
func (r *Registry) mutate(ctx context.Context, name string, fn func(cur *WorkloadRecord, others map[string]*WorkloadRecord) (*WorkloadRecord, error)) (WorkloadRecord, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	prev := r.records[name]
	var cur *WorkloadRecord
	if prev != nil {
		c := prev.clone()
		cur = &c
	}

	others := make(map[string]*WorkloadRecord, len(r.records))
	for n, rec := range r.records {
		if n != name {
			others[n] = rec
		}
	}

	next, err := fn(cur, others)
	if err != nil {
		r.mu.Unlock()
		return WorkloadRecord{}, err
	}
	r.records[name] = next
	snap := snapshotOf(r.records)
	r.mu.Unlock()

	if err := r.store.Save(ctx, snap); err != nil {
		r.mu.Lock()
		if prev == nil {
			delete(r.records, name)
		} else {
			r.records[name] = prev
		}
		r.mu.Unlock()
		return WorkloadRecord{}, fmt.Errorf("failed to persist registry: %w", err)
	}

	return next.clone(), nil
}
