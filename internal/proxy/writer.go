package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrConfigWrite indicates the proxy configuration could not be written or reloaded
var ErrConfigWrite = errors.New("proxy config write failed")

// Sink stores a rendered configuration and tells the proxy to reload it
type Sink interface {
	Write(ctx context.Context, content []byte) error
}

// Writer owns the proxy configuration file. Each workload contributes its own
// fragment; every Apply re-renders the whole file so concurrent callers never
// drop each other's routes.
type Writer struct {
	mu     sync.Mutex
	listen string
	routes map[string][]int
	sink   Sink
	logger *slog.Logger
}

// NewWriter creates a writer that renders a site block on listen
func NewWriter(listen string, sink Sink, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		listen: listen,
		routes: make(map[string][]int),
		sink:   sink,
		logger: logger,
	}
}

// Apply sets the backend ports for name and writes the full configuration.
// The fragment is kept even when the write fails, so the next Apply carries it.
func (w *Writer) Apply(ctx context.Context, name string, ports []int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.routes[name] = append([]int(nil), ports...)
	content := Render(w.listen, w.snapshot())

	if err := w.sink.Write(ctx, []byte(content)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigWrite, name, err)
	}

	w.logger.Info("proxy config applied", "workload", name, "instances", len(ports))
	return nil
}

// Routes returns the current fragments
func (w *Writer) Routes() []Route {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

func (w *Writer) snapshot() []Route {
	out := make([]Route, 0, len(w.routes))
	for name, ports := range w.routes {
		out = append(out, Route{Workload: name, Ports: append([]int(nil), ports...)})
	}
	return out
}
