package types

import "time"

// EventKind classifies instance events pushed to subscribed clients.
type EventKind string

const (
	EventStatusChanged EventKind = "status_changed"
	EventCreated       EventKind = "created"
	EventRemoved       EventKind = "removed"
)

// InstanceEvent is one status push on the events stream.
type InstanceEvent struct {
	Kind       EventKind      `json:"kind"`
	InstanceID string         `json:"instance_id"`
	OwnerID    string         `json:"owner_id"`
	ProxyPath  string         `json:"proxy_path"`
	Status     InstanceStatus `json:"status"`
	At         time.Time      `json:"at"`
}
