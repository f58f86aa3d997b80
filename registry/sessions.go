package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/juliankiedaisch/deskgate/types"
)

// IssueSession creates a bearer session for ownerID valid for ttl.
func (r *Registry) IssueSession(ctx context.Context, ownerID string, ttl time.Duration) (*types.Session, error) {
	now := time.Now()
	s := &types.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		s.ID, s.OwnerID, fmtTime(s.CreatedAt), fmtTime(s.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	return s, nil
}

// GetSession returns a session by token. Callers check Expired themselves so
// an expired-but-present token is distinguishable from an unknown one.
func (r *Registry) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var (
		s                    types.Session
		createdAt, expiresAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, current_instance, created_at, expires_at
		FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.OwnerID, &s.CurrentInstance, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.CreatedAt = parseTime(createdAt)
	s.ExpiresAt = parseTime(expiresAt)
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (r *Registry) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, current_instance, created_at, expires_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*types.Session
	for rows.Next() {
		var (
			s                    types.Session
			createdAt, expiresAt string
		)
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.CurrentInstance, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.CreatedAt = parseTime(createdAt)
		s.ExpiresAt = parseTime(expiresAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// RevokeSession deletes a session token.
func (r *Registry) RevokeSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// SetCurrentInstance records the sticky routing hint for a session. Set only
// after a non-asset page resolved successfully, so asset traffic never
// corrupts the hint.
func (r *Registry) SetCurrentInstance(ctx context.Context, sessionID, proxyPath string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET current_instance = ? WHERE id = ?`, proxyPath, sessionID)
	if err != nil {
		return fmt.Errorf("set current instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry. Returns the
// number of rows deleted.
func (r *Registry) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
