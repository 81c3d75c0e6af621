package autoscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thatjpcsguy/minipaas/internal/registry"
)

var (
	// ErrMonitorRunning is returned when starting a monitor that already runs
	ErrMonitorRunning = errors.New("monitor already running")

	// ErrMonitorNotRunning is returned when stopping a monitor that is not running
	ErrMonitorNotRunning = errors.New("monitor not running")

	// ErrInvalidThreshold is returned for negative thresholds
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// Options configures a Supervisor
type Options struct {
	Registry *registry.Registry
	Scaler   Scaler
	Proxy    ProxyApplier
	Interval time.Duration
	// LogPath is the request log used when Start is given no path
	LogPath string
	Logger  *slog.Logger
}

// MonitorInfo describes a running monitor
type MonitorInfo struct {
	Name      string    `json:"name"`
	Threshold int       `json:"threshold"`
	LogPath   string    `json:"log_path"`
	StartedAt time.Time `json:"started_at"`
}

type monitor struct {
	info   MonitorInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns one Controller goroutine per monitored workload
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	monitors map[string]*monitor
}

// NewSupervisor creates a supervisor with no running monitors
func NewSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:     opts,
		logger:   logger,
		monitors: make(map[string]*monitor),
	}
}

// Start launches the control loop for name. Requests already in the log are
// not counted.
func (s *Supervisor) Start(name string, threshold int, logPath string) (MonitorInfo, error) {
	if threshold < 0 {
		return MonitorInfo{}, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	if _, ok := s.opts.Registry.Get(name); !ok {
		return MonitorInfo{}, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	if logPath == "" {
		logPath = s.opts.LogPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.monitors[name]; ok {
		return MonitorInfo{}, fmt.Errorf("%w: %s", ErrMonitorRunning, name)
	}

	counter := NewLineCounter(logPath, s.logger.With("workload", name))
	if err := counter.Baseline(); err != nil {
		return MonitorInfo{}, err
	}

	ctrl := &Controller{
		Name:      name,
		Threshold: threshold,
		Interval:  s.opts.Interval,
		Sampler:   counter,
		Scaler:    s.opts.Scaler,
		Registry:  s.opts.Registry,
		Proxy:     s.opts.Proxy,
		Logger:    s.logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{
		info: MonitorInfo{
			Name:      name,
			Threshold: threshold,
			LogPath:   logPath,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.monitors[name] = m

	go func() {
		defer close(m.done)
		ctrl.Run(ctx)
	}()

	return m.info, nil
}

// Stop cancels the control loop for name and waits for it to exit. A
// reconfiguration in progress finishes first. Replicas and their routes are
// left in place and InstanceCount is not touched; the next Start resets them.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	m, ok := s.monitors[name]
	if ok {
		delete(s.monitors, name)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrMonitorNotRunning, name)
	}

	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed waiting for monitor %s to stop: %w", name, ctx.Err())
	}
}

// StopAll stops every monitor
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	monitors := s.monitors
	s.monitors = make(map[string]*monitor)
	s.mu.Unlock()

	for _, m := range monitors {
		m.cancel()
	}
	for name, m := range monitors {
		select {
		case <-m.done:
		case <-ctx.Done():
			return fmt.Errorf("failed waiting for monitor %s to stop: %w", name, ctx.Err())
		}
	}
	return nil
}

// Active returns the running monitors ordered by name
func (s *Supervisor) Active() []MonitorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MonitorInfo, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
