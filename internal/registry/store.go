package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thatjpcsguy/minipaas/internal/version"
)

// Store persists registry snapshots
type Store interface {
	// Load returns the persisted snapshot, or an empty one if nothing was persisted yet
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the persisted state with snap
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Snapshot is the persisted form of the registry, keyed by workload name.
// versionMap, repoMap and portMap are the core state; the remaining maps are
// optional and defaulted when absent.
type Snapshot struct {
	Versions  map[string]version.Version   `json:"versionMap"`
	Repos     map[string]string            `json:"repoMap"`
	Ports     map[string]int               `json:"portMap"`
	Instances map[string]int               `json:"instanceMap,omitempty"`
	History   map[string][]version.Version `json:"historyMap,omitempty"`
	Created   map[string]time.Time         `json:"createdMap,omitempty"`
	Updated   map[string]time.Time         `json:"updatedMap,omitempty"`
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Versions:  make(map[string]version.Version),
		Repos:     make(map[string]string),
		Ports:     make(map[string]int),
		Instances: make(map[string]int),
		History:   make(map[string][]version.Version),
		Created:   make(map[string]time.Time),
		Updated:   make(map[string]time.Time),
	}
}

func snapshotOf(records map[string]*WorkloadRecord) *Snapshot {
	snap := NewSnapshot()
	for name, rec := range records {
		snap.Versions[name] = rec.CurrentVersion
		snap.Repos[name] = rec.SourceURL
		snap.Ports[name] = rec.AllocatedPort
		snap.Instances[name] = rec.InstanceCount
		snap.History[name] = append([]version.Version(nil), rec.Published...)
		snap.Created[name] = rec.CreatedAt
		snap.Updated[name] = rec.UpdatedAt
	}
	return snap
}

// Records decodes the snapshot, checking the invariants the registry relies on
func (s *Snapshot) Records() (map[string]*WorkloadRecord, error) {
	records := make(map[string]*WorkloadRecord, len(s.Versions))
	owners := make(map[int]string, len(s.Ports))

	for name, v := range s.Versions {
		repo, ok := s.Repos[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no repository", ErrStateCorrupt, name)
		}
		port, ok := s.Ports[name]
		if !ok || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: %s has no valid port", ErrStateCorrupt, name)
		}
		if other, dup := owners[port]; dup {
			return nil, fmt.Errorf("%w: port %d shared by %s and %s", ErrStateCorrupt, port, other, name)
		}
		owners[port] = name

		count := s.Instances[name]
		if count < 1 {
			count = 1
		}

		history := append([]version.Version(nil), s.History[name]...)
		if len(history) == 0 {
			history = []version.Version{v}
		}

		records[name] = &WorkloadRecord{
			Name:           name,
			SourceURL:      repo,
			CurrentVersion: v,
			AllocatedPort:  port,
			InstanceCount:  count,
			Published:      history,
			CreatedAt:      s.Created[name],
			UpdatedAt:      s.Updated[name],
		}
	}

	for name := range s.Ports {
		if _, ok := s.Versions[name]; !ok {
			return nil, fmt.Errorf("%w: %s has a port but no version", ErrStateCorrupt, name)
		}
	}
	for name := range s.Repos {
		if _, ok := s.Versions[name]; !ok {
			return nil, fmt.Errorf("%w: %s has a repository but no version", ErrStateCorrupt, name)
		}
	}

	return records, nil
}

// Backend names accepted by OpenStore
const (
	BackendJSON   = "jsonfile"
	BackendSQLite = "sqlite"
)

// OpenStore opens the configured backend. A sqlite database that cannot be
// opened as such is moved aside and replaced with an empty one.
func OpenStore(backend, path string, logger *slog.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	switch backend {
	case "", BackendJSON:
		return NewFileStore(path), nil
	case BackendSQLite:
		store, err := NewSQLiteStore(path)
		if err == nil {
			return store, nil
		}
		if !errors.Is(err, ErrStateCorrupt) {
			return nil, err
		}

		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Warn("registry database is corrupt, starting with an empty registry",
			"path", path, "moved_to", aside, "error", err)
		if err := os.Rename(path, aside); err != nil {
			return nil, fmt.Errorf("failed to move corrupt database aside: %w", err)
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
