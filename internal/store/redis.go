package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/me/queuegate/pkg/model"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces queue keys.
const DefaultRedisPrefix = "queuegate:queue:"

// RedisStore implements Store on Redis. Each queue is a hash holding the
// JSON document ("doc") and an integer revision ("rev"); conditional
// writes use WATCH/MULTI on the hash key.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "store", "backend", "redis"),
	}
}

// OpenRedisStore parses a redis:// URL. The non-standard "prefix" query
// parameter sets the key namespace; all other options go to redis.ParseURL.
func OpenRedisStore(location string, logger *slog.Logger) (*RedisStore, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse redis location: %w", err)
	}
	q := u.Query()
	prefix := q.Get("prefix")
	q.Del("prefix")
	u.RawQuery = q.Encode()

	opt, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opt), prefix, logger), nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Load(ctx context.Context, name string) (*model.QueueDocument, error) {
	key := s.key(name)
	s.logger.Debug("redis", "op", "hmget", "key", key)

	vals, err := s.client.HMGet(ctx, key, "doc", "rev").Result()
	if err != nil {
		return nil, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}
	rev, _ := vals[1].(string)

	var doc model.QueueDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal queue %s: %w", name, err)
	}
	doc.Revision = rev
	return &doc, nil
}

func (s *RedisStore) Save(ctx context.Context, name string, doc *model.QueueDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal queue %s: %w", name, err)
	}
	key := s.key(name)

	var next int64
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "rev").Result()
		if errors.Is(err, redis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}
		if current != doc.Revision {
			return ErrConflict
		}

		next = 1
		if current != "" {
			n, err := strconv.ParseInt(current, 10, 64)
			if err != nil {
				return fmt.Errorf("queue %s: invalid stored revision %q", name, current)
			}
			next = n + 1
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "doc", string(data), "rev", next, "updated_at", nowText())
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	s.logger.Debug("redis", "op", "hset", "key", key, "revision", next)
	doc.Revision = strconv.FormatInt(next, 10)
	return nil
}

// ListQueues scans the key namespace and returns queue names in order.
func (s *RedisStore) ListQueues(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
