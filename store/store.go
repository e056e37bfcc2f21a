// Package store is the relational persistence layer of the gateway: the
// device registry, image records, telemetry, the outbound command queue,
// audit tables, and the database RPC surface. Production runs against
// Postgres via pgx; tests and local mode run the same code against SQLite.
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Import for registration side-effect.
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Store wraps the shared, pooled database handle.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects using the named driver ("pgx" or "sqlite3") and DSN.
func Open(driver, dsn string) (*Store, error) {
	var db, err = sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging %s database: %w", driver, err)
	}
	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver, now: time.Now}
}

// DB exposes the underlying handle for collaborating packages that share
// the pool, such as the chunk store.
func (s *Store) DB() *sqlx.DB { return s.db }

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string { return s.driver }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// SetClock overrides the store's time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) blobType() string {
	if s.driver == "pgx" {
		return "BYTEA"
	}
	return "BLOB"
}

// Migrate applies the schema owned by the gateway core. Collaborator
// tables (sites, site_sessions, wake_payloads) are included so local mode
// and tests are self-contained; in production they are owned by the wider
// platform and the statements no-op.
func (s *Store) Migrate(ctx context.Context) error {
	var statements = []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac TEXT NOT NULL UNIQUE,
			device_code TEXT NOT NULL UNIQUE,
			hardware_family TEXT NOT NULL,
			provisioning_status TEXT NOT NULL,
			company_id TEXT,
			program_id TEXT,
			site_id TEXT,
			wake_schedule TEXT,
			next_wake_at TIMESTAMP,
			firmware_version TEXT,
			last_seen_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS device_image_chunks (
			chunk_key TEXT PRIMARY KEY,
			device_mac TEXT NOT NULL,
			image_name TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_data %s NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			UNIQUE (device_mac, image_name, chunk_index)
		)`, s.blobType()),
		`CREATE TABLE IF NOT EXISTS device_images (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			company_id TEXT,
			program_id TEXT,
			site_id TEXT,
			session_id TEXT,
			image_name TEXT NOT NULL,
			captured_at TIMESTAMP,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			received_chunks INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			image_url TEXT,
			error_code INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			missing_chunks TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			received_at TIMESTAMP,
			UNIQUE (device_id, image_name)
		)`,
		`CREATE TABLE IF NOT EXISTS device_commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			issued_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP,
			acknowledged_at TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS device_telemetry (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			company_id TEXT,
			program_id TEXT,
			site_id TEXT,
			session_id TEXT,
			wake_payload_id TEXT,
			captured_at TIMESTAMP NOT NULL,
			temperature_f REAL,
			humidity REAL,
			pressure REAL,
			gas_resistance REAL,
			battery_voltage REAL,
			wifi_rssi INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_message_log (
			id TEXT PRIMARY KEY,
			device_mac TEXT NOT NULL,
			direction TEXT NOT NULL,
			topic TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			image_id TEXT,
			command_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_ack_log (
			id TEXT PRIMARY KEY,
			device_mac TEXT NOT NULL,
			image_name TEXT,
			ack_type TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT,
			success INTEGER NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			wake_schedule TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS site_sessions (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			session_date TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wake_payloads (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			session_id TEXT,
			captured_at TIMESTAMP,
			chunks_received INTEGER NOT NULL DEFAULT 0,
			is_complete INTEGER NOT NULL DEFAULT 0,
			image_status TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
