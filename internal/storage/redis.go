package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	logx "calenbot/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "calenbot:"
	auditKeySuffix     = "audit"
	auditKeep          = 10000
)

// redisStore keeps each collection as a JSON string under
// "<prefix>col:<collection>" and the audit log as a capped list.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) key(collection string) string { return s.prefix + "col:" + collection }

func (s *redisStore) Get(ctx context.Context, collection string) (any, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	b, err := s.client.Get(ctx, s.key(collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(b)
}

func (s *redisStore) Put(ctx context.Context, collection string, doc any) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	b, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(collection), b, 0).Err()
}

func (s *redisStore) List(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	head := s.prefix + "col:"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, head+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, head))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(out)
	return out, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.prefix + auditKeySuffix
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -auditKeep, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error { return s.client.Close() }
