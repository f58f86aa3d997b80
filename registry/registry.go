package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // database/sql driver
)

// Registry is the persisted source of truth for instances, the desktop
// catalog, and sessions. All addressing uniqueness (host_port, proxy_path,
// container_name among active rows) is enforced here by partial unique
// indexes, so correctness survives process restarts.
type Registry struct {
	db *sql.DB
}

// Open creates or opens the registry database at path.
//
// The DSN requests WAL journaling and immediate transactions: BeginTx takes
// the write lock up front, so two concurrent allocations serialize on the
// port decision instead of failing late with SQLITE_BUSY.
func Open(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		session_ref TEXT NOT NULL DEFAULT '',
		image_ref TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		container_name TEXT NOT NULL,
		host_port INTEGER NOT NULL,
		container_port INTEGER NOT NULL,
		proxy_path TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		stopped_at TEXT,
		last_accessed TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_port
		ON instances(host_port) WHERE status IN ('creating','running');
	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_path
		ON instances(proxy_path) WHERE status IN ('creating','running');
	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_name
		ON instances(container_name) WHERE status IN ('creating','running');
	CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);
	CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

	CREATE TABLE IF NOT EXISTS desktop_images (
		name TEXT PRIMARY KEY,
		image TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		current_instance TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// fmtTime renders a timestamp in the registry's canonical form.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
