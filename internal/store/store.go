package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/queuegate/pkg/model"
)

var (
	// ErrConflict is returned by Save when the stored document changed
	// since it was loaded.
	ErrConflict = errors.New("queue document modified concurrently")

	// ErrNotFound is returned by Update when the queue does not exist.
	ErrNotFound = errors.New("queue not found")
)

// Store persists one QueueDocument per queue name. Documents are always
// replaced whole.
type Store interface {
	// Load returns the named queue, or (nil, nil) if it does not exist.
	// The returned document carries the store's revision token.
	Load(ctx context.Context, name string) (*model.QueueDocument, error)

	// Save replaces the named queue if its stored revision still equals
	// doc.Revision (an empty revision means the queue must not exist yet).
	// Returns ErrConflict otherwise. On success doc.Revision is updated.
	Save(ctx context.Context, name string, doc *model.QueueDocument) error

	Close() error
}

// Lister is implemented by stores that can enumerate their queues.
type Lister interface {
	ListQueues(ctx context.Context) ([]string, error)
}

// DefaultUpdateAttempts bounds the read-modify-write retries of Update.
const DefaultUpdateAttempts = 5

// Update loads the named queue, applies fn and saves the result, retrying
// from a fresh load when another writer got there first. fn may run more
// than once and must not have side effects beyond mutating doc.
func Update(ctx context.Context, st Store, name string, fn func(doc *model.QueueDocument) error) (*model.QueueDocument, error) {
	return update(ctx, st, name, false, fn)
}

// Upsert is Update for queues that may not exist yet; a missing queue
// starts out empty and running.
func Upsert(ctx context.Context, st Store, name string, fn func(doc *model.QueueDocument) error) (*model.QueueDocument, error) {
	return update(ctx, st, name, true, fn)
}

func update(ctx context.Context, st Store, name string, create bool, fn func(doc *model.QueueDocument) error) (*model.QueueDocument, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultUpdateAttempts; attempt++ {
		doc, err := st.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load queue %s: %w", name, err)
		}
		if doc == nil {
			if !create {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
			}
			doc = &model.QueueDocument{QueueRunning: true}
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		err = st.Save(ctx, name, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("save queue %s: %w", name, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("save queue %s after %d attempts: %w", name, DefaultUpdateAttempts, lastErr)
}

// Open returns the Store described by location:
//
//	sqlite:///var/lib/queuegate/queues.db   (or a bare path)
//	sqlite://:memory:
//	redis://host:6379/0?prefix=queuegate:
//	s3://bucket/prefix?region=us-east-1&endpoint=https://storage.googleapis.com
//
// SQLite databases are migrated before Open returns.
func Open(ctx context.Context, location string, logger *slog.Logger) (Store, error) {
	scheme, _, found := strings.Cut(location, "://")
	if !found {
		scheme = "sqlite"
		location = "sqlite://" + location
	}

	switch scheme {
	case "sqlite":
		dbPath, err := expandHome(strings.TrimPrefix(location, "sqlite://"))
		if err != nil {
			return nil, err
		}
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		st, err := NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
		}
		return st, nil

	case "redis", "rediss":
		return OpenRedisStore(location, logger)

	case "s3":
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse store location: %w", err)
		}
		q := u.Query()
		return OpenS3Store(ctx, S3Options{
			Bucket:          u.Host,
			Prefix:          strings.Trim(u.Path, "/"),
			Region:          q.Get("region"),
			Endpoint:        q.Get("endpoint"),
			PathStyle:       q.Get("path_style") == "true",
			AccessKeyID:     os.Getenv("QUEUEGATE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("QUEUEGATE_S3_SECRET_ACCESS_KEY"),
		}, logger)
	}
	return nil, fmt.Errorf("unsupported store scheme %q", scheme)
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
