package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// Dialect selects the SQL flavour spoken by SQLStore.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// SQLStore persists session state in a single table keyed by conversation id.
// The version column carries the optimistic concurrency token: inserts create
// version 1 and updates are guarded by "WHERE version = ?".
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  logging.Logger
	now     func() time.Time
}

var _ core.SessionStore = (*SQLStore)(nil)

// SQLOptions configures SQLStore construction.
type SQLOptions struct {
	Logger          logging.Logger
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func applySQLOptions(optFns []func(o *SQLOptions)) SQLOptions {
	opts := SQLOptions{
		Logger:          logging.NoOpLogger{},
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// NewSQLiteStore opens (or creates) a SQLite database at path. Parent
// directories are created if needed and the schema is bootstrapped.
func NewSQLiteStore(ctx context.Context, path string, optFns ...func(o *SQLOptions)) (*SQLStore, error) {
	opts := applySQLOptions(optFns)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectSQLite, logger: opts.Logger, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	opts.Logger.Info("session store initialized", "driver", "sqlite", "path", path)
	return s, nil
}

// NewMySQLStore connects to MySQL using dsn and bootstraps the schema.
func NewMySQLStore(ctx context.Context, dsn string, optFns ...func(o *SQLOptions)) (*SQLStore, error) {
	opts := applySQLOptions(optFns)
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mysql dsn must not be empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to mysql: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectMySQL, logger: opts.Logger, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	opts.Logger.Info("session store initialized", "driver", "mysql")
	return s, nil
}

// NewSQLStore wraps an already opened database. The schema is bootstrapped.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, optFns ...func(o *SQLOptions)) (*SQLStore, error) {
	opts := applySQLOptions(optFns)
	s := &SQLStore{db: db, dialect: dialect, logger: opts.Logger, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	var schema string
	switch s.dialect {
	case DialectMySQL:
		schema = `CREATE TABLE IF NOT EXISTS session_state (
			conversation_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL,
			data LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`
	default:
		schema = `CREATE TABLE IF NOT EXISTS session_state (
			conversation_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get loads the state for conversationID or returns nil when absent.
func (s *SQLStore) Get(ctx context.Context, conversationID string) (*core.SessionState, error) {
	const stmt = `SELECT version, data FROM session_state WHERE conversation_id = ?`

	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx, stmt, conversationID).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %q: %w", conversationID, err)
	}

	state := &core.SessionState{}
	if err := json.Unmarshal([]byte(data), state); err != nil {
		return nil, fmt.Errorf("decoding session %q: %w", conversationID, err)
	}
	state.Version = version
	return state, nil
}

// Put writes state if the stored version equals expectedVersion.
func (s *SQLStore) Put(ctx context.Context, conversationID string, state *core.SessionState, expectedVersion int64) (int64, error) {
	if state == nil {
		return 0, fmt.Errorf("session: nil state for conversation %q", conversationID)
	}

	now := s.now()
	snapshot := *state
	snapshot.UpdatedAt = now
	data, err := json.Marshal(&snapshot)
	if err != nil {
		return 0, fmt.Errorf("encoding session %q: %w", conversationID, err)
	}

	if expectedVersion == 0 {
		return s.insert(ctx, conversationID, string(data), now)
	}

	const stmt = `UPDATE session_state SET version = ?, data = ?, updated_at = ?
		WHERE conversation_id = ? AND version = ?`
	next := expectedVersion + 1
	res, err := s.db.ExecContext(ctx, stmt, next, string(data), now.UnixMilli(), conversationID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("updating session %q: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("updating session %q: %w", conversationID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: conversation %q expected version %d", core.ErrVersionConflict, conversationID, expectedVersion)
	}
	return next, nil
}

func (s *SQLStore) insert(ctx context.Context, conversationID, data string, now time.Time) (int64, error) {
	stmt := `INSERT INTO session_state (conversation_id, version, data, updated_at) VALUES (?, 1, ?, ?)`
	if s.dialect == DialectSQLite {
		stmt += ` ON CONFLICT(conversation_id) DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, stmt, conversationID, data, now.UnixMilli())
	if err != nil {
		if isDuplicateKey(err) {
			return 0, fmt.Errorf("%w: conversation %q already exists", core.ErrVersionConflict, conversationID)
		}
		return 0, fmt.Errorf("inserting session %q: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inserting session %q: %w", conversationID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: conversation %q already exists", core.ErrVersionConflict, conversationID)
	}
	return 1, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
