package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yegors/flightlog/internal/storage"
	"github.com/yegors/flightlog/pkg/logger"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence for flights, telemetry and the club registry
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the database at dbPath and applies the schema
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers, which also makes every
	// conditional update below race free
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: storageLogger}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the database connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	statements := []struct {
		name string
		sql  string
	}{
		{"flights table", `
			CREATE TABLE IF NOT EXISTS flights (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				club_id TEXT NOT NULL DEFAULT '',
				device_id TEXT,                 -- NULL until a tracker is known
				registration TEXT NOT NULL DEFAULT '',
				aircraft_type TEXT NOT NULL DEFAULT '',
				competition_id TEXT NOT NULL DEFAULT '',
				plane_id TEXT NOT NULL DEFAULT '',
				pilot_id TEXT NOT NULL DEFAULT '',
				co_pilot_id TEXT NOT NULL DEFAULT '',
				is_school_flight INTEGER NOT NULL DEFAULT 0,
				launch_method TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				takeoff_time INTEGER,           -- unix ms
				takeoff_airfield TEXT NOT NULL DEFAULT '',
				landing_time INTEGER,           -- unix ms
				landing_airfield TEXT NOT NULL DEFAULT '',
				flight_duration_minutes INTEGER,
				max_altitude REAL,
				max_speed REAL,
				distance_km REAL,
				deleted INTEGER NOT NULL DEFAULT 0,
				plane_start_credited INTEGER NOT NULL DEFAULT 0,
				pilot_start_credited INTEGER NOT NULL DEFAULT 0,
				co_pilot_start_credited INTEGER NOT NULL DEFAULT 0,
				plane_minutes_credited INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`},
		{"flights device index", `CREATE INDEX IF NOT EXISTS idx_flights_device ON flights(device_id, status, deleted, created_at)`},
		{"flights registration index", `CREATE INDEX IF NOT EXISTS idx_flights_registration ON flights(registration, status, deleted, created_at)`},
		{"flights plane index", `CREATE INDEX IF NOT EXISTS idx_flights_plane ON flights(plane_id, status, deleted, created_at)`},
		{"single airborne flight per device", `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_flights_inflight_device
			ON flights(device_id)
			WHERE status = 'INFLIGHT' AND deleted = 0 AND device_id IS NOT NULL`},
		{"telemetry table", `
			CREATE TABLE IF NOT EXISTS telemetry_points (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				device_id TEXT NOT NULL,
				flight_id INTEGER,
				timestamp INTEGER NOT NULL,     -- unix ms
				latitude REAL,
				longitude REAL,
				altitude REAL,
				ground_speed REAL               -- knots
			)`},
		{"telemetry flight index", `CREATE INDEX IF NOT EXISTS idx_telemetry_flight ON telemetry_points(flight_id, timestamp)`},
		{"telemetry device index", `CREATE INDEX IF NOT EXISTS idx_telemetry_device ON telemetry_points(device_id, timestamp)`},
		{"planes table", `
			CREATE TABLE IF NOT EXISTS planes (
				id TEXT PRIMARY KEY,
				club_id TEXT NOT NULL DEFAULT '',
				device_id TEXT NOT NULL DEFAULT '',
				registration TEXT NOT NULL DEFAULT '',
				aircraft_type TEXT NOT NULL DEFAULT '',
				competition_id TEXT NOT NULL DEFAULT '',
				starts INTEGER NOT NULL DEFAULT 0,
				flight_minutes INTEGER NOT NULL DEFAULT 0
			)`},
		{"planes device index", `CREATE INDEX IF NOT EXISTS idx_planes_device ON planes(device_id, club_id)`},
		{"pilots table", `
			CREATE TABLE IF NOT EXISTS pilots (
				id TEXT PRIMARY KEY,
				club_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				starts INTEGER NOT NULL DEFAULT 0
			)`},
		{"private assignments table", `
			CREATE TABLE IF NOT EXISTS private_assignments (
				plane_id TEXT NOT NULL,
				club_id TEXT NOT NULL DEFAULT '',
				date TEXT NOT NULL,             -- YYYY-MM-DD
				pilot_id TEXT NOT NULL DEFAULT '',
				co_pilot_id TEXT NOT NULL DEFAULT '',
				is_school_flight INTEGER NOT NULL DEFAULT 0,
				launch_method TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (plane_id, club_id, date)
			)`},
	}

	for _, st := range statements {
		if _, err := db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.name, err)
		}
	}

	log.Info("Database schema initialized")
	return nil
}

// mapError translates driver errors into the storage sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// millis converts a nullable time to the stored unix ms value
func millis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
