package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/me/queuegate/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Each queue is one row; the
// revision column is the version token for conditional writes.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Every pooled connection to ":memory:" would get its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store", "backend", "sqlite"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (*model.QueueDocument, error) {
	s.logger.Debug("sql", "op", "select", "table", "queues", "name", name)

	var document string
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`SELECT document, revision FROM queues WHERE name = ?`, name,
	).Scan(&document, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc model.QueueDocument
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal queue %s: %w", name, err)
	}
	doc.Revision = strconv.FormatInt(revision, 10)
	return &doc, nil
}

func (s *SQLiteStore) Save(ctx context.Context, name string, doc *model.QueueDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal queue %s: %w", name, err)
	}
	now := nowText()

	if doc.Revision == "" {
		s.logger.Debug("sql", "op", "insert", "table", "queues", "name", name)
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO queues (name, document, revision, updated_at, created_at)
			 VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT(name) DO NOTHING`,
			name, string(data), now, now,
		)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		doc.Revision = "1"
		return nil
	}

	current, err := strconv.ParseInt(doc.Revision, 10, 64)
	if err != nil {
		return fmt.Errorf("queue %s: invalid revision %q", name, doc.Revision)
	}

	s.logger.Debug("sql", "op", "update", "table", "queues", "name", name, "revision", current)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queues SET document = ?, revision = revision + 1, updated_at = ?
		 WHERE name = ? AND revision = ?`,
		string(data), now, name, current,
	)
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	doc.Revision = strconv.FormatInt(current+1, 10)
	return nil
}

// ListQueues returns the names of all stored queues in name order.
func (s *SQLiteStore) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM queues ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
