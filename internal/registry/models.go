package registry

import (
	"time"

	"github.com/thatjpcsguy/minipaas/internal/version"
)

// WorkloadRecord is the registry entry for one deployed application
type WorkloadRecord struct {
	Name           string          `json:"name"`
	SourceURL      string          `json:"source_url"`
	CurrentVersion version.Version `json:"current_version"`
	AllocatedPort  int             `json:"allocated_port"`
	InstanceCount  int             `json:"instance_count"`
	// Published lists every successfully deployed version, oldest first
	Published []version.Version `json:"published"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HasPublished reports whether v was produced by a successful deploy
func (r WorkloadRecord) HasPublished(v version.Version) bool {
	for _, p := range r.Published {
		if p == v {
			return true
		}
	}
	return false
}

func (r WorkloadRecord) clone() WorkloadRecord {
	c := r
	c.Published = append([]version.Version(nil), r.Published...)
	return c
}
