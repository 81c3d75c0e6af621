package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/thatjpcsguy/minipaas/internal/version"
)

// Fetcher brings a local working tree in line with a repository
type Fetcher interface {
	Sync(ctx context.Context, repoURL, dir string) (bool, error)
}

// Runtime is the part of the container runtime the builder drives
type Runtime interface {
	Build(ctx context.Context, tag, contextDir string) error
	Tag(ctx context.Context, src, dst string) error
	Push(ctx context.Context, ref string) error
}

// Options configures a Builder
type Options struct {
	// WorkDir holds one working tree per workload
	WorkDir        string
	RegistryHost   string
	BaseImage      string
	InstallCommand string
	ServicePort    int
}

// Artifact is a published, runnable image
type Artifact struct {
	Name    string
	Version version.Version
	Image   string
}

// Builder turns a repository into a published image
type Builder struct {
	fetcher Fetcher
	runtime Runtime
	opts    Options
	logger  *slog.Logger
}

// NewBuilder creates a builder
func NewBuilder(fetcher Fetcher, runtime Runtime, opts Options, logger *slog.Logger) *Builder {
	if opts.BaseImage == "" {
		opts.BaseImage = DefaultBaseImage
	}
	if opts.InstallCommand == "" {
		opts.InstallCommand = DefaultInstallCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{fetcher: fetcher, runtime: runtime, opts: opts, logger: logger}
}

// WorkTree returns the working tree directory for name
func (b *Builder) WorkTree(name string) string {
	return filepath.Join(b.opts.WorkDir, name)
}

// ImageRef returns the registry reference for a workload version
func (b *Builder) ImageRef(name string, v version.Version) string {
	return ImageRef(b.opts.RegistryHost, name, v)
}

// ImageRef returns host/name:version, or name:version when host is empty
func ImageRef(host, name string, v version.Version) string {
	if host == "" {
		return fmt.Sprintf("%s:%s", name, v)
	}
	return fmt.Sprintf("%s/%s:%s", host, name, v)
}

// BuildAndPublish fetches, builds, tags and pushes name at version v. Each
// phase must succeed before the next one starts. progress, if set, is called
// as each phase begins.
func (b *Builder) BuildAndPublish(ctx context.Context, name, sourceURL string, v version.Version, progress func(Phase)) (Artifact, error) {
	fail := func(phase Phase, err error) (Artifact, error) {
		b.logger.Error("build phase failed", "workload", name, "version", v.String(), "phase", string(phase), "error", err)
		return Artifact{}, &PhaseError{Name: name, Version: v, Phase: phase, Err: err}
	}
	step := func(phase Phase) {
		b.logger.Info("build phase", "workload", name, "version", v.String(), "phase", string(phase))
		if progress != nil {
			progress(phase)
		}
	}

	dir := b.WorkTree(name)
	localTag := ImageRef("", name, v)
	ref := b.ImageRef(name, v)

	step(PhaseClone)
	if _, err := b.fetcher.Sync(ctx, sourceURL, dir); err != nil {
		return fail(PhaseClone, err)
	}

	step(PhaseDockerfile)
	if err := writeBuildFiles(dir, Dockerfile(b.opts.BaseImage, b.opts.InstallCommand, b.opts.ServicePort)); err != nil {
		return fail(PhaseDockerfile, err)
	}

	step(PhaseBuild)
	if err := b.runtime.Build(ctx, localTag, dir); err != nil {
		return fail(PhaseBuild, err)
	}

	step(PhaseTag)
	if err := b.runtime.Tag(ctx, localTag, ref); err != nil {
		return fail(PhaseTag, err)
	}

	step(PhasePush)
	if err := b.runtime.Push(ctx, ref); err != nil {
		return fail(PhasePush, err)
	}

	return Artifact{Name: name, Version: v, Image: ref}, nil
}
