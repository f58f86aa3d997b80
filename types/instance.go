package types

import "time"

// InstanceStatus represents the lifecycle state of a backend instance as
// tracked by the registry.
type InstanceStatus string

const (
	InstanceCreating InstanceStatus = "creating" // row committed, engine create in flight
	InstanceRunning  InstanceStatus = "running"  // engine reports the container up
	InstanceStopped  InstanceStatus = "stopped"  // stopped by request, idle sweep, or engine exit
	InstanceError    InstanceStatus = "error"    // create or reconcile failed
)

// Active reports whether a status participates in the uniqueness domain for
// host_port, proxy_path, and container_name.
func (s InstanceStatus) Active() bool {
	return s == InstanceCreating || s == InstanceRunning
}

// Instance is the persisted record for one backend desktop container.
type Instance struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	SessionRef string `json:"session_ref,omitempty"`
	ImageRef   string `json:"image_ref"`

	// Addressing, unique among active records.
	ContainerID   string `json:"container_id,omitempty"` // engine-issued, set after create
	ContainerName string `json:"container_name"`
	HostPort      int    `json:"host_port,omitempty"`
	ContainerPort int    `json:"container_port"`
	ProxyPath     string `json:"proxy_path"`

	Status InstanceStatus `json:"status"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// DesktopImage is one catalog entry. Allocation is refused for entries with
// Enabled=false and for image names absent from the catalog.
type DesktopImage struct {
	Name        string    `json:"name"`  // catalog key, e.g. "ubuntu-vscode"
	Image       string    `json:"image"` // engine image reference
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is the opaque bearer session consumed by the API middleware and
// the Resolver's sticky fallback.
type Session struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	CurrentInstance string    `json:"current_instance,omitempty"` // proxy_path hint
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
