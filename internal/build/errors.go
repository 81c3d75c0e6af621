package build

import (
	"errors"
	"fmt"

	"github.com/thatjpcsguy/minipaas/internal/version"
)

// Phase names one step of the build pipeline
type Phase string

const (
	PhaseClone      Phase = "clone"
	PhaseDockerfile Phase = "dockerfileWrite"
	PhaseBuild      Phase = "build"
	PhaseTag        Phase = "tag"
	PhasePush       Phase = "push"
)

var (
	// ErrFetch matches failures fetching source
	ErrFetch = errors.New("source fetch failed")

	// ErrBuild matches failures writing the Dockerfile or building the image
	ErrBuild = errors.New("image build failed")

	// ErrPublish matches failures tagging or pushing the image
	ErrPublish = errors.New("image publish failed")
)

// PhaseError reports which pipeline phase failed
type PhaseError struct {
	Name    string
	Version version.Version
	Phase   Phase
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed for %s %s: %v", e.Phase, e.Name, e.Version, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is classify a PhaseError as ErrFetch, ErrBuild or ErrPublish
func (e *PhaseError) Is(target error) bool {
	switch target {
	case ErrFetch:
		return e.Phase == PhaseClone
	case ErrBuild:
		return e.Phase == PhaseDockerfile || e.Phase == PhaseBuild
	case ErrPublish:
		return e.Phase == PhaseTag || e.Phase == PhasePush
	}
	return false
}

// FailedPhase returns the phase of a PhaseError in err's chain
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
