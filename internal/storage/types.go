package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrClosed         = errors.New("storage closed")
	ErrBadCollection  = errors.New("invalid collection name")
	ErrUnknownBackend = errors.New("unknown storage driver")
)

// Store is the slow key-value backing store.
//
// A collection holds one JSON document. Get and Put are each atomic, but
// nothing spans a Get/Put pair; callers serialize read-modify-write
// themselves.
type Store interface {
	// Get returns the decoded document, or an empty map when the
	// collection does not exist yet. Numbers decode as json.Number.
	Get(ctx context.Context, collection string) (any, error)
	Put(ctx context.Context, collection string, doc any) error
	List(ctx context.Context) ([]string, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": one JSON file per collection next to Path, plus an audit jsonl
//   - "sqlite": SQLite database file at Path
//   - "redis": keys "<Prefix><collection>" on Redis
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Command       string    `json:"command"`
	OK            bool      `json:"ok"`
	Error         string    `json:"err,omitempty"`
}

var reCollection = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

func checkCollection(name string) error {
	if !reCollection.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadCollection, name)
	}
	return nil
}

func encodeDoc(doc any) ([]byte, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

func decodeDoc(b []byte) (any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	return v, nil
}
