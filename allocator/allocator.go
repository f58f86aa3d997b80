// Package allocator owns the desktop instance lifecycle: admitting requests
// against the image catalog, reserving a host port, driving the container
// engine, and retiring stale records.
//
// Allocation is deliberately split into a registry phase and an engine
// phase. The registry phase reserves the port and the addressing names
// inside one immediate transaction, so concurrent allocations serialize on
// the database write lock and can never pick the same port. The engine phase
// runs outside any lock because container creation is slow; a reserved row
// in creating state is what makes the in-flight allocation visible to
// everyone else.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/engine"
	"github.com/juliankiedaisch/deskgate/metrics"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/types"
)

// ContainerEngine is the engine surface the allocator drives. *engine.Engine
// implements it; tests substitute an in-memory fake.
type ContainerEngine interface {
	CreateContainer(ctx context.Context, spec *engine.CreateSpec) (string, error)
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string, grace time.Duration) error
	RemoveContainer(ctx context.Context, ref string, force bool) error
	InspectContainer(ctx context.Context, ref string) (*engine.Container, error)
	ListManaged(ctx context.Context) ([]*engine.ContainerSummary, error)
}

// EventSink receives lifecycle events as they happen. The server's event hub
// implements it. A nil sink drops events.
type EventSink interface {
	Publish(ev types.InstanceEvent)
}

// Allocator creates, stops, and removes desktop instances.
type Allocator struct {
	registry *registry.Registry
	engine   ContainerEngine
	conf     *config.Config
	sink     EventSink
}

// New returns an Allocator. sink may be nil.
func New(reg *registry.Registry, eng ContainerEngine, conf *config.Config, sink EventSink) *Allocator {
	return &Allocator{registry: reg, engine: eng, conf: conf, sink: sink}
}

// Sanitize lowercases s and maps '.' and '_' to '-' so the result is safe
// inside hostnames, URL path segments, and container names. Dotted usernames
// ("julian.kiedaisch") stay addressable.
func Sanitize(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '_' {
			return '-'
		}
		return r
	}, s)
}

// ProxyPath returns the deterministic routing segment for an owner/image
// pair. One pair, one path: a second allocation replaces the first.
func ProxyPath(ownerID, imageRef string) string {
	return Sanitize(ownerID) + "-" + Sanitize(imageRef)
}

// ContainerName returns the engine container name for a proxy path.
func ContainerName(proxyPath string) string {
	return "deskgate-" + proxyPath
}

// Start allocates a desktop instance for ownerID from the named catalog
// image and returns the running record. sessionRef ties the record to the
// session that asked for it and may be empty.
//
// Errors: types.ErrNotFound for an unknown image, types.ErrImageDisabled for
// a disabled one, types.ErrPortExhausted when the port range is full, and
// *types.CreationError when the engine fails. After a CreationError nothing
// is left behind: the row is deleted and the container removed best-effort.
func (a *Allocator) Start(ctx context.Context, ownerID, imageRef, sessionRef string) (*types.Instance, error) {
	logger := log.WithFunc("allocator.Start")

	// Step 1: catalog gate.
	img, err := a.registry.GetDesktopImage(ctx, imageRef)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			metrics.RecordAllocation("refused")
		}
		return nil, err
	}
	if !img.Enabled {
		metrics.RecordAllocation("refused")
		return nil, types.ErrImageDisabled
	}

	proxyPath := ProxyPath(ownerID, imageRef)
	containerName := ContainerName(proxyPath)

	// Step 2: retire colliding records and orphans so the addressing names
	// are free before the new row claims them.
	if err := a.reclaim(ctx, ownerID, proxyPath, containerName); err != nil {
		return nil, err
	}

	// Step 3: reserve the row and a host port.
	inst := &types.Instance{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		SessionRef:    sessionRef,
		ImageRef:      imageRef,
		ContainerName: containerName,
		ContainerPort: a.conf.ContainerPort,
		ProxyPath:     proxyPath,
	}
	if err := a.registry.AllocateInstance(ctx, inst, a.conf.PortMin, a.conf.PortMax); err != nil {
		if errors.Is(err, types.ErrPortExhausted) {
			metrics.RecordAllocation("port_exhausted")
		}
		return nil, err
	}
	logger.Infof(ctx, "reserved %s on port %d", containerName, inst.HostPort)

	// Step 4: engine create and start, outside any registry lock.
	containerID, err := a.launch(ctx, img, inst)
	if err != nil {
		a.rollback(ctx, inst, containerID)
		metrics.RecordAllocation("creation_failed")
		return nil, &types.CreationError{ContainerName: containerName, Err: err}
	}

	// Step 5: finalize the row.
	if err := a.registry.MarkRunning(ctx, inst.ID, containerID); err != nil {
		a.rollback(ctx, inst, containerID)
		metrics.RecordAllocation("creation_failed")
		return nil, &types.CreationError{ContainerName: containerName, Err: err}
	}
	out, err := a.registry.GetInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	metrics.RecordAllocation("ok")
	a.publish(types.EventCreated, out)
	logger.Infof(ctx, "instance %s running: %s -> 127.0.0.1:%d", out.ID, proxyPath, out.HostPort)
	return out, nil
}

// Stop shuts the backing container down with the configured grace period and
// marks the row stopped. Already-stopped rows and missing containers are not
// errors.
func (a *Allocator) Stop(ctx context.Context, id string) error {
	logger := log.WithFunc("allocator.Stop")

	inst, err := a.registry.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == types.InstanceStopped {
		return nil
	}

	if err := a.engine.StopContainer(ctx, containerRef(inst), a.conf.StopTimeout()); err != nil && !engine.IsNotFound(err) {
		return fmt.Errorf("stop %s: %w", inst.ContainerName, err)
	}
	if err := a.registry.MarkStopped(ctx, inst.ID); err != nil {
		return err
	}
	inst.Status = types.InstanceStopped
	a.publish(types.EventStatusChanged, inst)
	logger.Infof(ctx, "stopped %s", inst.ContainerName)
	return nil
}

// Remove deletes an instance entirely: engine force-remove plus row delete.
// Safe to repeat; unknown IDs are a no-op.
func (a *Allocator) Remove(ctx context.Context, id string) error {
	inst, err := a.registry.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.removeInstance(ctx, inst)
}

// Status reconciles one record against the engine and returns the refreshed
// instance.
func (a *Allocator) Status(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := a.registry.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := a.Reconcile(ctx, inst); err != nil {
		return nil, err
	}
	return a.registry.GetInstance(ctx, id)
}

// Reconcile aligns one record with the engine's view of its container and
// returns the resulting status. A missing container means the record is
// stale: the instance drops to stopped. Transitions are persisted and
// broadcast; a record that already matches is left untouched.
func (a *Allocator) Reconcile(ctx context.Context, inst *types.Instance) (types.InstanceStatus, error) {
	observed := types.InstanceStopped
	containerID := inst.ContainerID
	c, err := a.engine.InspectContainer(ctx, containerRef(inst))
	switch {
	case err == nil:
		observed = engine.MapState(c.State.Status)
		containerID = c.ID
	case engine.IsNotFound(err):
		// Container vanished underneath us.
	default:
		return inst.Status, err
	}
	if observed == inst.Status {
		return observed, nil
	}

	log.WithFunc("allocator.Reconcile").Infof(ctx, "instance %s drifted %s -> %s", inst.ID, inst.Status, observed)
	if err := a.applyStatus(ctx, inst.ID, observed, containerID); err != nil {
		return inst.Status, err
	}
	inst.Status = observed
	a.publish(types.EventStatusChanged, inst)
	return observed, nil
}

// reclaim retires every record colliding with the addressing names about to
// be claimed, destroying backing containers first, then removes an engine
// orphan under containerName that the registry never knew about.
func (a *Allocator) reclaim(ctx context.Context, ownerID, proxyPath, containerName string) error {
	logger := log.WithFunc("allocator.reclaim")

	stale, err := a.registry.CollidingInstances(ctx, ownerID, proxyPath, containerName)
	if err != nil {
		return err
	}
	for _, old := range stale {
		logger.Infof(ctx, "retiring %s (%s, port %d)", old.ContainerName, old.Status, old.HostPort)
		if err := a.removeInstance(ctx, old); err != nil {
			return fmt.Errorf("retire %s: %w", old.ID, err)
		}
	}

	// A container without a row survives when a crash interrupts rollback.
	// The name is deterministic, so it is ours to take back.
	if _, err := a.engine.InspectContainer(ctx, containerName); err == nil {
		logger.Warnf(ctx, "removing orphan container %s", containerName)
		if err := a.engine.RemoveContainer(ctx, containerName, true); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("remove orphan %s: %w", containerName, err)
		}
	} else if !engine.IsNotFound(err) {
		return fmt.Errorf("inspect %s: %w", containerName, err)
	}
	return nil
}

// launch creates and starts the container for a reserved row. On error the
// returned container ID (possibly empty) tells the caller what to roll back.
func (a *Allocator) launch(ctx context.Context, img *types.DesktopImage, inst *types.Instance) (string, error) {
	spec := &engine.CreateSpec{
		Name:  inst.ContainerName,
		Image: img.Image,
		Env: []string{
			"VNC_PW=" + a.conf.VNCPassword,
			"USER=" + inst.OwnerID,
		},
		Labels: map[string]string{
			engine.ManagedLabelKey: engine.ManagedLabelValue,
			"deskgate.owner":       inst.OwnerID,
			"deskgate.image":       inst.ImageRef,
		},
		ContainerPort: inst.ContainerPort,
		HostPort:      inst.HostPort,
		ShmSize:       a.conf.ShmBytes(),
	}
	if inst.SessionRef != "" {
		spec.Labels["deskgate.session"] = inst.SessionRef
	}

	containerID, err := a.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := a.engine.StartContainer(ctx, containerID); err != nil {
		return containerID, fmt.Errorf("start container: %w", err)
	}
	return containerID, nil
}

// rollback undoes a failed creation. The failure may be the caller's own
// context cancellation, so cleanup runs on a detached context.
func (a *Allocator) rollback(ctx context.Context, inst *types.Instance, containerID string) {
	logger := log.WithFunc("allocator.rollback")
	ctx = context.WithoutCancel(ctx)

	ref := containerID
	if ref == "" {
		ref = inst.ContainerName
	}
	if err := a.engine.RemoveContainer(ctx, ref, true); err != nil && !engine.IsNotFound(err) {
		logger.Warnf(ctx, "remove %s: %v", inst.ContainerName, err)
	}
	if err := a.registry.DeleteInstance(ctx, inst.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
		logger.Warnf(ctx, "delete row %s: %v", inst.ID, err)
	}
}

// removeInstance force-removes the backing container (missing is fine) and
// deletes the row.
func (a *Allocator) removeInstance(ctx context.Context, inst *types.Instance) error {
	if err := a.engine.RemoveContainer(ctx, containerRef(inst), true); err != nil && !engine.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", inst.ContainerName, err)
	}
	if err := a.registry.DeleteInstance(ctx, inst.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	a.publish(types.EventRemoved, inst)
	return nil
}

func (a *Allocator) applyStatus(ctx context.Context, id string, status types.InstanceStatus, containerID string) error {
	switch status {
	case types.InstanceRunning:
		return a.registry.MarkRunning(ctx, id, containerID)
	case types.InstanceStopped:
		return a.registry.MarkStopped(ctx, id)
	case types.InstanceError:
		return a.registry.MarkError(ctx, id)
	default:
		return a.registry.SetStatus(ctx, id, status)
	}
}

func (a *Allocator) publish(kind types.EventKind, inst *types.Instance) {
	if a.sink == nil {
		return
	}
	a.sink.Publish(types.InstanceEvent{
		Kind:       kind,
		InstanceID: inst.ID,
		OwnerID:    inst.OwnerID,
		ProxyPath:  inst.ProxyPath,
		Status:     inst.Status,
		At:         time.Now().UTC(),
	})
}

// containerRef prefers the engine-issued ID. Names are reusable the moment a
// container is removed, IDs never are.
func containerRef(inst *types.Instance) string {
	if inst.ContainerID != "" {
		return inst.ContainerID
	}
	return inst.ContainerName
}
