package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thatjpcsguy/minipaas/internal/api"
	"github.com/thatjpcsguy/minipaas/internal/autoscale"
	"github.com/thatjpcsguy/minipaas/internal/build"
	"github.com/thatjpcsguy/minipaas/internal/config"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/docker"
	"github.com/thatjpcsguy/minipaas/internal/git"
	"github.com/thatjpcsguy/minipaas/internal/hooks"
	"github.com/thatjpcsguy/minipaas/internal/metrics"
	"github.com/thatjpcsguy/minipaas/internal/proxy"
	"github.com/thatjpcsguy/minipaas/internal/registry"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the minipaas daemon",
		Long: `Runs the daemon that owns the workload registry, the reverse proxy
configuration and every autoscale monitor. The other commands talk to it
over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			logger := newLogger(cfg.LogLevel, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}

			l, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				_ = d.close(context.Background())
				return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
			}
			return d.run(ctx, l)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Address to serve the API on (overrides LISTEN_ADDR)")

	return cmd
}

// daemon is the wired set of long-lived components
type daemon struct {
	logger     *slog.Logger
	registry   *registry.Registry
	supervisor *autoscale.Supervisor
	server     *api.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	store, err := registry.OpenStore(cfg.StateBackend, cfg.StatePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	reg, err := registry.Open(ctx, store, registry.Options{
		BasePort:   cfg.BasePort,
		ProbeLimit: cfg.PortProbeLimit,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	policy, err := git.ParsePolicy(cfg.WorktreePolicy)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	runtime := &docker.CLI{Logger: logger}
	builder := build.NewBuilder(&git.Fetcher{Policy: policy, Logger: logger}, runtime, build.Options{
		WorkDir:        cfg.WorkDir,
		RegistryHost:   cfg.RegistryHost,
		BaseImage:      cfg.BaseImage,
		InstallCommand: cfg.InstallCommand,
		ServicePort:    cfg.ServicePort,
	}, logger)

	engine := deploy.NewEngine(reg, builder, runtime, newHookRunner(cfg, logger), deploy.Options{
		RegistryHost: cfg.RegistryHost,
		ServicePort:  cfg.ServicePort,
		Env:          cfg.DeployEnv,
		Limits:       docker.Limits{CPUs: cfg.CPULimit, Memory: cfg.MemoryLimit},
	}, logger)

	writer := proxy.NewWriter(cfg.ProxyListen, newProxySink(cfg, runtime), logger)
	supervisor := autoscale.NewSupervisor(autoscale.Options{
		Registry: reg,
		Scaler:   &autoscale.Replicas{Runtime: runtime, Specs: engine, Ports: reg, Logger: logger},
		Proxy:    writer,
		Interval: cfg.MonitorInterval,
		LogPath:  cfg.RequestLogPath,
		Logger:   logger,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(promReg)

	logger.Info("daemon ready",
		"state_backend", cfg.StateBackend,
		"state_path", cfg.StatePath,
		"registry_host", cfg.RegistryHost,
		"proxy_config", cfg.ProxyConfigPath,
		"remote_proxy", cfg.RemoteProxy(),
		"workloads", len(reg.List()))

	return &daemon{
		logger:     logger,
		registry:   reg,
		supervisor: supervisor,
		server:     api.NewServer(engine, supervisor, reg, promReg, logger),
	}, nil
}

// run serves the API on l until ctx is cancelled, then shuts down
func (d *daemon) run(ctx context.Context, l net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.server.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.close(shutdownCtx)
	})

	return g.Wait()
}

// close stops the API, every monitor and the registry, in that order
func (d *daemon) close(ctx context.Context) error {
	var result *multierror.Error
	if err := d.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop api: %w", err))
	}
	if err := d.supervisor.StopAll(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop monitors: %w", err))
	}
	if err := d.registry.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close registry: %w", err))
	}
	return result.ErrorOrNil()
}

func newHookRunner(cfg *config.Config, logger *slog.Logger) *hooks.Runner {
	return &hooks.Runner{
		Dir: cfg.HooksDir,
		Scripts: map[hooks.HookType]string{
			hooks.PostDeploy:   cfg.PostDeployScript,
			hooks.PostRollback: cfg.PostRollbackScript,
		},
		Logger: logger,
	}
}

func newProxySink(cfg *config.Config, signaler proxy.Signaler) proxy.Sink {
	if cfg.RemoteProxy() {
		return proxy.NewSSHSink(cfg.ProxySSHUser, cfg.ProxySSHHost, cfg.SSHKeyPath, cfg.ProxyConfigPath, cfg.ProxyReloadCommand)
	}
	return &proxy.FileSink{
		Path:          cfg.ProxyConfigPath,
		Container:     cfg.ProxyContainer,
		Signal:        cfg.ProxyReloadSignal,
		Signaler:      signaler,
		ReloadRetries: 3,
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
