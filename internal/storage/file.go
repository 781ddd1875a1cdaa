package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "calenbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files, for Path "data/state.json":
//   - data/state.<collection>.json (one document each, replaced via rename)
//   - data/state.audit.jsonl       (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	prefix string
	audit  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, base)
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return &fileStore{log: log, prefix: prefix, audit: af}, nil
}

func (s *fileStore) docPath(collection string) string {
	return s.prefix + "." + collection + ".json"
}

func (s *fileStore) Get(ctx context.Context, collection string) (any, error) {
	_ = ctx
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.docPath(collection))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(b)
}

func (s *fileStore) Put(ctx context.Context, collection string, doc any) error {
	_ = ctx
	if err := checkCollection(collection); err != nil {
		return err
	}
	b, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.docPath(collection), b)
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	_ = ctx
	matches, err := filepath.Glob(s.prefix + ".*.json")
	if err != nil {
		return nil, err
	}
	head := filepath.Base(s.prefix) + "."
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), head), ".json")
		if checkCollection(name) == nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil
	}
	err := s.audit.Close()
	s.audit = nil
	return err
}
