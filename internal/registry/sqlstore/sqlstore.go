// Package sqlstore persists stream sessions in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"stream-registry/internal/registry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxCASAttempts bounds optimistic status updates that lose a race.
const maxCASAttempts = 3

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Open initializes a SQLite connection pool with WAL mode and busy_timeout
// applied to every connection through the DSN.
func Open(path string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping failed: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations embedded in the binary.
// It returns the schema version after the run.
func Migrate(db *sql.DB) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("sqlstore: migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("sqlstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("sqlstore: migrate up: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: migration version: %w", err)
	}
	return version, nil
}

// Store is a registry.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenStore opens path, runs migrations and returns a ready Store.
func OpenStore(path string, cfg Config) (*Store, error) {
	db, err := Open(path, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, owner_id, title, description, access_key, quality, status, created_at, expires_at, delivery_address`

// Insert implements registry.Store.
func (s *Store) Insert(ctx context.Context, sess *registry.StreamSession) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO stream_sessions (`+sessionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.OwnerID), sess.Title, sess.Description, sess.AccessKey,
		string(sess.Quality), string(sess.Status), sess.CreatedAt.UnixNano(), sess.ExpiresAt.UnixNano(),
		sess.DeliveryAddress,
	)
	if isConstraintViolation(err) {
		return registry.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("sqlstore: insert session: %w", err)
	}
	return nil
}

// Get implements registry.Store.
func (s *Store) Get(ctx context.Context, id registry.SessionID, now time.Time) (*registry.StreamSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE id = ? AND expires_at > ?`,
		string(id), now.UnixNano())
	return scanOne(row)
}

// GetByAccessKey implements registry.Store.
func (s *Store) GetByAccessKey(ctx context.Context, accessKey string, now time.Time) (*registry.StreamSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE access_key = ? AND expires_at > ?`,
		accessKey, now.UnixNano())
	return scanOne(row)
}

// ListByOwner implements registry.Store.
func (s *Store) ListByOwner(ctx context.Context, owner registry.OwnerID, now time.Time) ([]*registry.StreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+sessionColumns+`
	FROM stream_sessions
	WHERE owner_id = ? AND expires_at > ?
	ORDER BY created_at DESC, id ASC`,
		string(owner), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*registry.StreamSession, 0)
	for rows.Next() {
		sess, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list sessions: %w", err)
	}
	return out, nil
}

// ListByStatus implements registry.Store.
func (s *Store) ListByStatus(ctx context.Context, status registry.Status, now time.Time) ([]*registry.StreamSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE status = ? AND expires_at > ?`,
		string(status), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*registry.StreamSession, 0)
	for rows.Next() {
		sess, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list by status: %w", err)
	}
	return out, nil
}

// SetStatus implements registry.Store. The update is conditional on the
// status that was validated, so a concurrent writer forces a re-read.
func (s *Store) SetStatus(ctx context.Context, id registry.SessionID, from, to registry.Status, deliveryAddress string, now time.Time) (*registry.StreamSession, error) {
	if to != registry.StatusActive {
		deliveryAddress = ""
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM stream_sessions WHERE id = ?`, string(id))
		sess, err := scanOne(row)
		if err != nil {
			return nil, err
		}
		if err := registry.CheckTransition(sess, from, to, now); err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
		UPDATE stream_sessions
		SET status = ?, delivery_address = ?
		WHERE id = ? AND status = ? AND expires_at > ?`,
			string(to), deliveryAddress, string(id), string(sess.Status), now.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("sqlstore: update status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: update status: %w", err)
		}
		if n == 1 {
			sess.Status = to
			sess.DeliveryAddress = deliveryAddress
			return sess, nil
		}
	}
	return nil, fmt.Errorf("sqlstore: update status of %s: too much contention", id)
}

// Delete implements registry.Store.
func (s *Store) Delete(ctx context.Context, id registry.SessionID, requester registry.OwnerID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_sessions WHERE id = ? AND owner_id = ?`, string(id), string(requester))
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete session: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired implements registry.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_sessions WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete expired: %w", err)
	}
	return int(n), nil
}

// CountLive implements registry.Store.
func (s *Store) CountLive(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_sessions WHERE expires_at > ?`, now.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: count sessions: %w", err)
	}
	return n, nil
}

// Ping implements registry.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*registry.StreamSession, error) {
	sess, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return sess, err
}

func scan(sc scanner) (*registry.StreamSession, error) {
	var (
		sess             registry.StreamSession
		id, owner        string
		quality, status  string
		created, expires int64
	)
	err := sc.Scan(&id, &owner, &sess.Title, &sess.Description, &sess.AccessKey,
		&quality, &status, &created, &expires, &sess.DeliveryAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan session: %w", err)
	}
	sess.ID = registry.SessionID(id)
	sess.OwnerID = registry.OwnerID(owner)
	sess.Quality = registry.QualityProfile(quality)
	sess.Status = registry.Status(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.ExpiresAt = time.Unix(0, expires).UTC()
	return &sess, nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
