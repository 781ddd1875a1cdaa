package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "calenbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	cfgs := map[string]Config{
		"memory": {Driver: "memory"},
		"file":   {Driver: "file", Path: filepath.Join(dir, "state.json")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "state.db"), BusyTimeout: time.Second},
	}
	if addr := os.Getenv("CALENBOT_TEST_REDIS_ADDR"); addr != "" {
		cfgs["redis"] = Config{Driver: "redis", RedisAddr: addr, RedisPrefix: "calenbot-test:" + t.Name() + ":"}
	}
	out := map[string]Store{}
	for name, cfg := range cfgs {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[name] = st
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := st.Get(ctx, "groups")
			if err != nil {
				t.Fatalf("Get missing: %v", err)
			}
			if m, ok := got.(map[string]any); !ok || len(m) != 0 {
				t.Fatalf("missing collection = %#v, want empty map", got)
			}

			doc := map[string]any{"-100123": map[string]any{"title": "Group A"}, "n": 7}
			if err := st.Put(ctx, "groups", doc); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Put(ctx, "settings", []any{"not", "a", "map"}); err != nil {
				t.Fatalf("Put list: %v", err)
			}

			got, err = st.Get(ctx, "groups")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			m := got.(map[string]any)
			if m["n"] != json.Number("7") {
				t.Fatalf("n = %#v, want json.Number(7)", m["n"])
			}
			if g, _ := m["-100123"].(map[string]any); g["title"] != "Group A" {
				t.Fatalf("group = %#v", m["-100123"])
			}
			if l, ok := mustGet(t, st, "settings").([]any); !ok || len(l) != 3 {
				t.Fatalf("settings = %#v", l)
			}

			names, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if !reflect.DeepEqual(names, []string{"groups", "settings"}) {
				t.Fatalf("List = %v", names)
			}

			if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: -5, Command: "enable", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func mustGet(t *testing.T, st Store, c string) any {
	t.Helper()
	v, err := st.Get(context.Background(), c)
	if err != nil {
		t.Fatalf("Get(%s): %v", c, err)
	}
	return v
}

func TestStoreRejectsBadCollection(t *testing.T) {
	for name, st := range openDrivers(t) {
		if err := st.Put(context.Background(), "../etc", map[string]any{}); !errors.Is(err, ErrBadCollection) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Put(context.Background(), "settings", map[string]any{"verbose": true}); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := st.Put(context.Background(), "settings", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close = %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	m := mustGet(t, st, "settings").(map[string]any)
	if m["verbose"] != true {
		t.Fatalf("settings = %#v", m)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err = %v", err)
	}
}
