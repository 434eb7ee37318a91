package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"divera/internal/divera"
)

const (
	dirPermissions    = 0750
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second

	// DefaultLimit caps list queries without an explicit limit.
	DefaultLimit = 50
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AlarmRecord is a stored alarm.
type AlarmRecord struct {
	UCRID     int       `json:"ucr_id"`
	AlarmID   int       `json:"id"`
	ForeignID string    `json:"foreign_id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Address   string    `json:"address"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Groups    []string  `json:"groups"`
	Priority  bool      `json:"priority"`
	Closed    bool      `json:"closed"`
	Answered  string    `json:"answered"`
	Date      time.Time `json:"date"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusRecord is a stored status change.
type StatusRecord struct {
	UCRID      int       `json:"ucr_id"`
	StatusID   int       `json:"status_id"`
	StatusName string    `json:"status_name"`
	SetAt      time.Time `json:"set_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists alarms and status changes in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path in WAL mode and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// migrate applies every embedded migration not yet recorded in
// schema_migrations, in file name order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		version := strings.TrimSuffix(filepath.Base(file), ".sql")

		var applied string
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", version).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}

		body, err := migrationsFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.applyMigration(ctx, version, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, time.Now().Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordAlarm inserts an alarm or updates the mutable fields of a known
// one. It reports whether the alarm was new.
func (s *Store) RecordAlarm(ctx context.Context, ucrID int, alarm *divera.AlarmInfo, seenAt time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM alarms WHERE ucr_id = ? AND alarm_id = ?", ucrID, alarm.ID,
	).Scan(&exists)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return false, fmt.Errorf("looking up alarm %d: %w", alarm.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alarms (
			ucr_id, alarm_id, foreign_id, title, text, address, latitude, longitude,
			group_names, priority, closed, answered, alarmed_at, first_seen, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ucr_id, alarm_id) DO UPDATE SET
			title = excluded.title,
			text = excluded.text,
			address = excluded.address,
			group_names = excluded.group_names,
			priority = excluded.priority,
			closed = excluded.closed,
			answered = excluded.answered,
			updated_at = excluded.updated_at`,
		ucrID, alarm.ID, alarm.ForeignID, alarm.Title, alarm.Text, alarm.Address,
		alarm.Latitude, alarm.Longitude, strings.Join(alarm.Groups, "\n"),
		alarm.Priority, alarm.Closed, alarm.Answered, alarm.Date.Unix(),
		seenAt.Unix(), seenAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("storing alarm %d: %w", alarm.ID, err)
	}
	return isNew, nil
}

// RecordStatus stores a status unless it equals the last stored status of
// the membership. It reports whether a row was written.
func (s *Store) RecordStatus(ctx context.Context, ucrID, statusID int, name string, setAt, recordedAt time.Time) (bool, error) {
	var lastID int
	var lastSet int64
	err := s.db.QueryRowContext(ctx,
		"SELECT status_id, set_at FROM status_changes WHERE ucr_id = ? ORDER BY id DESC LIMIT 1", ucrID,
	).Scan(&lastID, &lastSet)
	switch {
	case err == nil:
		if lastID == statusID && lastSet == setAt.Unix() {
			return false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return false, fmt.Errorf("reading last status: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO status_changes (ucr_id, status_id, status_name, set_at, recorded_at) VALUES (?, ?, ?, ?, ?)",
		ucrID, statusID, name, setAt.Unix(), recordedAt.Unix(),
	); err != nil {
		return false, fmt.Errorf("storing status: %w", err)
	}
	return true, nil
}

// Alarms returns the newest alarms of a membership.
func (s *Store) Alarms(ctx context.Context, ucrID, limit int) ([]AlarmRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ucr_id, alarm_id, foreign_id, title, text, address, latitude, longitude,
		       group_names, priority, closed, answered, alarmed_at, first_seen, updated_at
		FROM alarms WHERE ucr_id = ?
		ORDER BY alarmed_at DESC, alarm_id DESC LIMIT ?`, ucrID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying alarms: %w", err)
	}
	defer rows.Close()

	var out []AlarmRecord
	for rows.Next() {
		var r AlarmRecord
		var groups string
		var date, firstSeen, updated int64
		if err := rows.Scan(&r.UCRID, &r.AlarmID, &r.ForeignID, &r.Title, &r.Text, &r.Address,
			&r.Latitude, &r.Longitude, &groups, &r.Priority, &r.Closed, &r.Answered,
			&date, &firstSeen, &updated); err != nil {
			return nil, fmt.Errorf("scanning alarm: %w", err)
		}
		r.Groups = []string{}
		if groups != "" {
			r.Groups = strings.Split(groups, "\n")
		}
		r.Date = time.Unix(date, 0).UTC()
		r.FirstSeen = time.Unix(firstSeen, 0).UTC()
		r.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Statuses returns the newest status changes of a membership.
func (s *Store) Statuses(ctx context.Context, ucrID, limit int) ([]StatusRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ucr_id, status_id, status_name, set_at, recorded_at
		FROM status_changes WHERE ucr_id = ?
		ORDER BY id DESC LIMIT ?`, ucrID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		var r StatusRecord
		var setAt, recorded int64
		if err := rows.Scan(&r.UCRID, &r.StatusID, &r.StatusName, &setAt, &recorded); err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		r.SetAt = time.Unix(setAt, 0).UTC()
		r.RecordedAt = time.Unix(recorded, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
