// Package monitor runs the periodic housekeeping sweep: reconciling records
// against the engine, stopping idle desktops, removing stopped ones past
// retention, pruning expired sessions, and refreshing the instance gauges.
//
// Every pass works on its own short-lived queries and tolerates individual
// row failures, so one wedged instance cannot stall the whole sweep.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/allocator"
	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/engine"
	"github.com/juliankiedaisch/deskgate/metrics"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/types"
)

// Monitor keeps the registry aligned with the engine and enforces the idle
// and retention policies.
type Monitor struct {
	registry  *registry.Registry
	allocator *allocator.Allocator
	engine    allocator.ContainerEngine
	conf      *config.Config
}

// New returns a Monitor sweeping with alloc against eng.
func New(reg *registry.Registry, alloc *allocator.Allocator, eng allocator.ContainerEngine, conf *config.Config) *Monitor {
	return &Monitor{registry: reg, allocator: alloc, engine: eng, conf: conf}
}

// Run sweeps at the configured interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	logger := log.WithFunc("monitor.Run")
	logger.Infof(ctx, "sweeping every %s (idle %s, retention %s)",
		m.conf.MonitorInterval(), m.conf.IdleTimeout(), m.conf.Retention())

	ticker := time.NewTicker(m.conf.MonitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				logger.Warnf(ctx, "sweep: %v", err)
			}
		}
	}
}

// RunOnce executes one full sweep. Pass failures are collected so later
// passes still run; the combined error reports every failed pass.
func (m *Monitor) RunOnce(ctx context.Context) error {
	var errs []string
	for _, pass := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"reconcile", m.reconcilePass},
		{"idle", m.idlePass},
		{"retention", m.retentionPass},
		{"orphans", m.orphanPass},
		{"sessions", m.sessionPass},
		{"gauges", m.gaugePass},
	} {
		if err := pass.run(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", pass.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sweep: %s", strings.Join(errs, "; "))
	}
	return nil
}

// reconcilePass aligns every creating/running row with the engine's view.
func (m *Monitor) reconcilePass(ctx context.Context) error {
	logger := log.WithFunc("monitor.reconcilePass")

	active, err := m.registry.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, inst := range active {
		if _, err := m.allocator.Reconcile(ctx, inst); err != nil {
			logger.Warnf(ctx, "reconcile %s: %v", inst.ID, err)
		}
	}
	return nil
}

// idlePass stops running instances nobody has touched within the idle
// window.
func (m *Monitor) idlePass(ctx context.Context) error {
	logger := log.WithFunc("monitor.idlePass")

	cutoff := time.Now().Add(-m.conf.IdleTimeout())
	idle, err := m.registry.ListIdleRunning(ctx, cutoff)
	if err != nil {
		return err
	}
	stopped := 0
	for _, inst := range idle {
		if err := m.allocator.Stop(ctx, inst.ID); err != nil {
			logger.Warnf(ctx, "stop idle %s: %v", inst.ID, err)
			continue
		}
		stopped++
	}
	if stopped > 0 {
		logger.Infof(ctx, "stopped %d idle instances", stopped)
	}
	return nil
}

// retentionPass removes stopped instances past the retention window, plus
// errored rows whose backing container no longer exists.
func (m *Monitor) retentionPass(ctx context.Context) error {
	logger := log.WithFunc("monitor.retentionPass")

	cutoff := time.Now().Add(-m.conf.Retention())
	old, err := m.registry.ListStoppedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	removed := 0
	for _, inst := range old {
		if err := m.allocator.Remove(ctx, inst.ID); err != nil {
			logger.Warnf(ctx, "remove %s: %v", inst.ID, err)
			continue
		}
		removed++
	}

	errored, err := m.registry.ListErrored(ctx)
	if err != nil {
		return err
	}
	for _, inst := range errored {
		if _, err := m.engine.InspectContainer(ctx, containerRef(inst)); err == nil || !engine.IsNotFound(err) {
			continue
		}
		if err := m.allocator.Remove(ctx, inst.ID); err != nil {
			logger.Warnf(ctx, "remove errored %s: %v", inst.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Infof(ctx, "removed %d expired instances", removed)
	}
	return nil
}

// orphanPass force-removes managed containers the registry does not know
// about. Rollbacks interrupted by a crash are the usual source.
func (m *Monitor) orphanPass(ctx context.Context) error {
	logger := log.WithFunc("monitor.orphanPass")

	managed, err := m.engine.ListManaged(ctx)
	if err != nil {
		return err
	}
	if len(managed) == 0 {
		return nil
	}

	rows, err := m.registry.ListInstances(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(rows))
	for _, inst := range rows {
		known[inst.ContainerName] = true
		if inst.ContainerID != "" {
			known[inst.ContainerID] = true
		}
	}

	for _, c := range managed {
		if known[c.ID] || known[c.Name()] {
			continue
		}
		logger.Warnf(ctx, "removing orphan container %s (%s)", c.Name(), c.ID)
		if err := m.engine.RemoveContainer(ctx, c.ID, true); err != nil && !engine.IsNotFound(err) {
			logger.Warnf(ctx, "remove orphan %s: %v", c.ID, err)
		}
	}
	return nil
}

// sessionPass drops expired sessions.
func (m *Monitor) sessionPass(ctx context.Context) error {
	n, err := m.registry.DeleteExpiredSessions(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithFunc("monitor.sessionPass").Infof(ctx, "pruned %d expired sessions", n)
	}
	return nil
}

// gaugePass refreshes the per-status instance gauges, including zeroes so
// retired statuses do not linger at stale values.
func (m *Monitor) gaugePass(ctx context.Context) error {
	rows, err := m.registry.ListInstances(ctx)
	if err != nil {
		return err
	}
	counts := map[types.InstanceStatus]int{}
	for _, inst := range rows {
		counts[inst.Status]++
	}
	for _, status := range []types.InstanceStatus{
		types.InstanceCreating, types.InstanceRunning,
		types.InstanceStopped, types.InstanceError,
	} {
		metrics.SetInstanceCount(string(status), counts[status])
	}
	return nil
}

func containerRef(inst *types.Instance) string {
	if inst.ContainerID != "" {
		return inst.ContainerID
	}
	return inst.ContainerName
}
