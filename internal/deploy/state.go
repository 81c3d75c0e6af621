package deploy

import (
	"fmt"
	"regexp"

	"github.com/thatjpcsguy/minipaas/internal/build"
)

// State is a step of the deploy state machine
type State string

const (
	StateFetching       State = "fetching"
	StateBuilding       State = "building"
	StatePublishing     State = "publishing"
	StatePortAllocating State = "port-allocating"
	StateStarting       State = "starting"
	StateCommitted      State = "committed"
	StateFailed         State = "failed"
)

// stateForPhase maps a build pipeline phase to the deploy state it runs in
func stateForPhase(p build.Phase) State {
	switch p {
	case build.PhaseClone:
		return StateFetching
	case build.PhaseDockerfile, build.PhaseBuild:
		return StateBuilding
	default:
		return StatePublishing
	}
}

var nameRe = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

// ValidateName checks that name is usable as a docker container name suffix,
// an image repository and a proxy path segment
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > 63 || !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q (use lowercase letters, digits, '.', '_' or '-')", ErrInvalidName, name)
	}
	return nil
}

// ContainerName is the docker container name of a workload's primary instance
func ContainerName(name string) string {
	return "paas-" + name
}
