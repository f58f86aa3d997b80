// Package engine is a minimal client for the container engine's REST API
// over its Unix domain socket. Only the lifecycle surface the allocator and
// monitor need is implemented: create, start, stop, remove, inspect, list.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/juliankiedaisch/deskgate/config"
)

// Engine talks to one container engine socket.
type Engine struct {
	socket  string
	version string
	hc      *http.Client
}

// New creates an Engine client from config. No connection is made until the
// first call; use Ping to probe reachability.
func New(conf config.EngineConfig) *Engine {
	return &Engine{
		socket:  conf.Socket,
		version: conf.APIVersion,
		hc:      newSocketHTTPClient(conf.Socket),
	}
}

// Socket returns the configured socket path.
func (e *Engine) Socket() string { return e.socket }

func (e *Engine) path(format string, args ...any) string {
	return "/" + e.version + fmt.Sprintf(format, args...)
}

// Ping probes the engine. The ping endpoint is unversioned.
func (e *Engine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/_ping", nil)
	if err != nil {
		return err
	}
	resp, err := e.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ping engine at %s: %w", e.socket, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return &APIError{Code: resp.StatusCode, Message: fmt.Sprintf("ping -> %d", resp.StatusCode)}
	}
	return nil
}

// CreateContainer creates a container and returns its engine-issued ID.
// Not retried: a retry after an ambiguous failure could hit the name
// conflict for a container the first attempt actually created. Callers
// reclaim such strays through the orphan check on the next allocation.
func (e *Engine) CreateContainer(ctx context.Context, spec *CreateSpec) (string, error) {
	query := url.Values{"name": []string{spec.Name}}
	var resp createResponse
	if err := e.do(ctx, http.MethodPost, e.path("/containers/create"), query, buildCreateRequest(spec), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container. Starting an
// already-running container is success.
func (e *Engine) StartContainer(ctx context.Context, ref string) error {
	err := DoWithRetry(ctx, func() error {
		return e.do(ctx, http.MethodPost, e.path("/containers/%s/start", ref), nil, nil, nil)
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

// StopContainer stops a container with the given grace period. Stopping an
// already-stopped container is success.
func (e *Engine) StopContainer(ctx context.Context, ref string, grace time.Duration) error {
	query := url.Values{"t": []string{fmt.Sprintf("%d", int(grace.Seconds()))}}
	err := DoWithRetry(ctx, func() error {
		return e.do(ctx, http.MethodPost, e.path("/containers/%s/stop", ref), query, nil, nil)
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

// RemoveContainer deletes a container and its anonymous volumes.
func (e *Engine) RemoveContainer(ctx context.Context, ref string, force bool) error {
	query := url.Values{"v": []string{"true"}}
	if force {
		query.Set("force", "true")
	}
	return DoWithRetry(ctx, func() error {
		return e.do(ctx, http.MethodDelete, e.path("/containers/%s", ref), query, nil, nil)
	})
}

// InspectContainer inspects a container by ID or name.
func (e *Engine) InspectContainer(ctx context.Context, ref string) (*Container, error) {
	var c Container
	err := DoWithRetry(ctx, func() error {
		return e.do(ctx, http.MethodGet, e.path("/containers/%s/json", ref), nil, nil, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListManaged lists all containers (running or not) carrying the managed
// label, i.e. every container this service ever created on the engine.
func (e *Engine) ListManaged(ctx context.Context) ([]*ContainerSummary, error) {
	filters, err := json.Marshal(map[string][]string{"label": {ManagedLabel}})
	if err != nil {
		return nil, fmt.Errorf("encode filters: %w", err)
	}
	query := url.Values{
		"all":     []string{"true"},
		"filters": []string{string(filters)},
	}
	var out []*ContainerSummary
	err = DoWithRetry(ctx, func() error {
		return e.do(ctx, http.MethodGet, e.path("/containers/json"), query, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
