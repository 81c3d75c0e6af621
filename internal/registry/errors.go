package registry

import "errors"

var (
	// ErrNotFound indicates no workload is registered under the name
	ErrNotFound = errors.New("workload not found")

	// ErrPortExhausted indicates the allocator found no free port within its probe budget
	ErrPortExhausted = errors.New("no free port available")

	// ErrStateCorrupt indicates the persisted registry could not be decoded
	ErrStateCorrupt = errors.New("registry state is corrupt")

	// ErrInvalidRecord indicates a mutation would break a registry invariant
	ErrInvalidRecord = errors.New("invalid workload record")
)

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
