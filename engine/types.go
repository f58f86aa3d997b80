package engine

import (
	"fmt"
	"strings"

	"github.com/juliankiedaisch/deskgate/types"
)

// Containers created by this service carry the managed-by label so sweeps
// never touch foreign containers on the same engine.
const (
	ManagedLabelKey   = "managed-by"
	ManagedLabelValue = "deskgate"
	ManagedLabel      = ManagedLabelKey + "=" + ManagedLabelValue
)

// CreateSpec describes one container to create.
type CreateSpec struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	ContainerPort int
	HostPort      int
	ShmSize       int64
}

type portBinding struct {
	HostIP   string `json:"HostIp,omitempty"`
	HostPort string `json:"HostPort"`
}

type restartPolicy struct {
	Name string `json:"Name"`
}

type hostConfig struct {
	PortBindings  map[string][]portBinding `json:"PortBindings,omitempty"`
	ShmSize       int64                    `json:"ShmSize,omitempty"`
	RestartPolicy *restartPolicy           `json:"RestartPolicy,omitempty"`
}

type createRequest struct {
	Image        string              `json:"Image"`
	Env          []string            `json:"Env,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	HostConfig   hostConfig          `json:"HostConfig"`
}

type createResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

// ContainerState is the State block of an inspect response.
type ContainerState struct {
	Status     string `json:"Status"` // created|running|paused|restarting|removing|exited|dead
	Running    bool   `json:"Running"`
	ExitCode   int    `json:"ExitCode"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

// Container is the subset of an inspect response the service consumes.
type Container struct {
	ID    string         `json:"Id"`
	Name  string         `json:"Name"` // leading slash: "/deskgate-alice-ubuntu"
	State ContainerState `json:"State"`

	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// ContainerSummary is one element of a list response.
type ContainerSummary struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
}

// Name returns the summary's primary name without the leading slash.
func (s *ContainerSummary) Name() string {
	if len(s.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(s.Names[0], "/")
}

// buildCreateRequest translates a CreateSpec into the engine wire format.
func buildCreateRequest(spec *CreateSpec) *createRequest {
	exposed := fmt.Sprintf("%d/tcp", spec.ContainerPort)
	return &createRequest{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: map[string]struct{}{exposed: {}},
		HostConfig: hostConfig{
			PortBindings: map[string][]portBinding{
				exposed: {{HostPort: fmt.Sprintf("%d", spec.HostPort)}},
			},
			ShmSize:       spec.ShmSize,
			RestartPolicy: &restartPolicy{Name: "unless-stopped"},
		},
	}
}

// MapState maps a native engine container state onto the registry's
// instance status domain.
func MapState(state string) types.InstanceStatus {
	switch state {
	case "created", "restarting":
		return types.InstanceCreating
	case "running":
		return types.InstanceRunning
	case "paused", "exited", "dead", "removing":
		return types.InstanceStopped
	default:
		return types.InstanceError
	}
}
