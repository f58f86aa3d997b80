package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juliankiedaisch/deskgate/types"
)

// AddDesktopImage inserts a catalog entry, or updates image/description for
// an existing name without touching its enabled flag.
func (r *Registry) AddDesktopImage(ctx context.Context, img *types.DesktopImage) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO desktop_images (name, image, description, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET image = excluded.image, description = excluded.description`,
		img.Name, img.Image, img.Description, boolToInt(img.Enabled), fmtTime(img.CreatedAt))
	if err != nil {
		return fmt.Errorf("add desktop image %s: %w", img.Name, err)
	}
	return nil
}

// GetDesktopImage returns one catalog entry by name.
func (r *Registry) GetDesktopImage(ctx context.Context, name string) (*types.DesktopImage, error) {
	var (
		img       types.DesktopImage
		enabled   int
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, image, description, enabled, created_at
		FROM desktop_images WHERE name = ?`, name).
		Scan(&img.Name, &img.Image, &img.Description, &enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get desktop image %s: %w", name, err)
	}
	img.Enabled = enabled != 0
	img.CreatedAt = parseTime(createdAt)
	return &img, nil
}

// ListDesktopImages returns the whole catalog ordered by name.
func (r *Registry) ListDesktopImages(ctx context.Context) ([]*types.DesktopImage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, image, description, enabled, created_at
		FROM desktop_images ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list desktop images: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*types.DesktopImage
	for rows.Next() {
		var (
			img       types.DesktopImage
			enabled   int
			createdAt string
		)
		if err := rows.Scan(&img.Name, &img.Image, &img.Description, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan desktop image: %w", err)
		}
		img.Enabled = enabled != 0
		img.CreatedAt = parseTime(createdAt)
		out = append(out, &img)
	}
	return out, rows.Err()
}

// SetDesktopImageEnabled flips the enabled flag.
func (r *Registry) SetDesktopImageEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE desktop_images SET enabled = ? WHERE name = ?`, boolToInt(enabled), name)
	if err != nil {
		return fmt.Errorf("set desktop image %s enabled: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteDesktopImage removes a catalog entry.
func (r *Registry) DeleteDesktopImage(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM desktop_images WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete desktop image %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
