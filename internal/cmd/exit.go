package cmd

import "github.com/thatjpcsguy/minipaas/internal/api"

// Exit statuses reported by the CLI
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitNotFound          = 2
	ExitBuildFailed       = 3
	ExitResourceExhausted = 4
	ExitInvalidVersion    = 5
)

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch api.CodeOf(err) {
	case api.CodeNotFound:
		return ExitNotFound
	case api.CodeBuildFailed:
		return ExitBuildFailed
	case api.CodeResourceExhausted:
		return ExitResourceExhausted
	case api.CodeInvalidVersion:
		return ExitInvalidVersion
	}
	return ExitFailure
}
