package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juliankiedaisch/deskgate/types"
)

const instanceColumns = `id, owner_id, session_ref, image_ref, container_id,
	container_name, host_port, container_port, proxy_path, status,
	created_at, started_at, stopped_at, last_accessed`

// AllocateInstance picks the lowest free host port in [portMin, portMax] and
// inserts inst with status=creating, all inside one immediate transaction.
// Concurrent allocations serialize on the transaction's write lock, so two
// callers can never observe the same free port. On success inst.HostPort and
// inst.Status are filled in. Returns types.ErrPortExhausted (with no row
// written) when the range is full.
func (r *Registry) AllocateInstance(ctx context.Context, inst *types.Instance, portMin, portMax int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin allocation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT host_port FROM instances WHERE status IN ('creating','running')`)
	if err != nil {
		return fmt.Errorf("query active ports: %w", err)
	}
	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan port: %w", err)
		}
		used[port] = true
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close port rows: %w", err)
	}

	port := 0
	for p := portMin; p <= portMax; p++ {
		if !used[p] {
			port = p
			break
		}
	}
	if port == 0 {
		return types.ErrPortExhausted
	}

	inst.HostPort = port
	inst.Status = types.InstanceCreating
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instances (id, owner_id, session_ref, image_ref, container_id,
			container_name, host_port, container_port, proxy_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.OwnerID, inst.SessionRef, inst.ImageRef, inst.ContainerID,
		inst.ContainerName, inst.HostPort, inst.ContainerPort, inst.ProxyPath,
		string(inst.Status), fmtTime(inst.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return tx.Commit()
}

// GetInstance returns one instance by ID.
func (r *Registry) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetRunningByProxyPath returns the running instance addressed by proxyPath.
// Only running instances serve traffic; creating ones are not routable yet.
func (r *Registry) GetRunningByProxyPath(ctx context.Context, proxyPath string) (*types.Instance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE proxy_path = ? AND status = 'running'`,
		proxyPath)
	return scanInstance(row)
}

// CollidingInstances returns the owner's rows whose proxy_path or
// container_name collide with the given values, regardless of session: a
// prior session's record may survive its runtime instance.
func (r *Registry) CollidingInstances(ctx context.Context, ownerID, proxyPath, containerName string) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE owner_id = ? AND (proxy_path = ? OR container_name = ?)`,
		ownerID, proxyPath, containerName)
}

// ListInstances returns all instances, oldest first.
func (r *Registry) ListInstances(ctx context.Context) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances ORDER BY created_at`)
}

// ListByOwner returns one owner's instances, oldest first.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = ? ORDER BY created_at`,
		ownerID)
}

// ListActive returns all creating/running instances.
func (r *Registry) ListActive(ctx context.Context) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status IN ('creating','running')`)
}

// ListIdleRunning returns running instances not accessed since cutoff.
// Rows that were never accessed fall back to started_at.
func (r *Registry) ListIdleRunning(ctx context.Context, cutoff time.Time) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE status = 'running' AND COALESCE(last_accessed, started_at, created_at) < ?`,
		fmtTime(cutoff))
}

// ListStoppedBefore returns stopped instances whose stopped_at is older than
// cutoff, for the retention sweep.
func (r *Registry) ListStoppedBefore(ctx context.Context, cutoff time.Time) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE status = 'stopped' AND COALESCE(stopped_at, created_at) < ?`,
		fmtTime(cutoff))
}

// ListErrored returns instances in error state.
func (r *Registry) ListErrored(ctx context.Context) ([]*types.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status = 'error'`)
}

// MarkRunning transitions an instance to running and records the
// engine-issued container ID.
func (r *Registry) MarkRunning(ctx context.Context, id, containerID string) error {
	return r.execOne(ctx,
		`UPDATE instances SET status = 'running', container_id = ?, started_at = ? WHERE id = ?`,
		containerID, fmtTime(time.Now()), id)
}

// MarkStopped transitions an instance to stopped. Idempotent: an
// already-stopped row keeps its original stopped_at.
func (r *Registry) MarkStopped(ctx context.Context, id string) error {
	return r.execOne(ctx,
		`UPDATE instances SET status = 'stopped', stopped_at = COALESCE(stopped_at, ?)
		 WHERE id = ?`,
		fmtTime(time.Now()), id)
}

// MarkError transitions an instance to error.
func (r *Registry) MarkError(ctx context.Context, id string) error {
	return r.execOne(ctx,
		`UPDATE instances SET status = 'error' WHERE id = ?`, id)
}

// SetStatus applies a reconciled status. stopped_at is stamped on the
// transition into stopped, started_at on the transition into running.
func (r *Registry) SetStatus(ctx context.Context, id string, status types.InstanceStatus) error {
	now := fmtTime(time.Now())
	switch status {
	case types.InstanceRunning:
		return r.execOne(ctx,
			`UPDATE instances SET status = 'running', started_at = COALESCE(started_at, ?) WHERE id = ?`,
			now, id)
	case types.InstanceStopped:
		return r.MarkStopped(ctx, id)
	default:
		return r.execOne(ctx,
			`UPDATE instances SET status = ? WHERE id = ?`, string(status), id)
	}
}

// Touch updates last_accessed; called on every successful resolution of a
// non-asset request.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.execOne(ctx,
		`UPDATE instances SET last_accessed = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
}

// DeleteInstance removes a row. Deleting an absent row is not an error.
func (r *Registry) DeleteInstance(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

func (r *Registry) queryInstances(ctx context.Context, query string, args ...any) ([]*types.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *Registry) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*types.Instance, error) {
	var (
		inst             types.Instance
		status           string
		createdAt        string
		started, stopped sql.NullString
		accessed         sql.NullString
	)
	err := s.Scan(
		&inst.ID, &inst.OwnerID, &inst.SessionRef, &inst.ImageRef, &inst.ContainerID,
		&inst.ContainerName, &inst.HostPort, &inst.ContainerPort, &inst.ProxyPath,
		&status, &createdAt, &started, &stopped, &accessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = types.InstanceStatus(status)
	inst.CreatedAt = parseTime(createdAt)
	inst.StartedAt = parseTimePtr(started)
	inst.StoppedAt = parseTimePtr(stopped)
	inst.LastAccessed = parseTimePtr(accessed)
	return &inst, nil
}
