package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	logx "relaybot/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "relaybot")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "relaybot.db")
	case "badger":
		cfg.Path = ":memory:"
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDriversGetSet(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite", "badger"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openForTest(t, driver)

			if _, ok, err := st.Get(ctx, "Cron"); err != nil || ok {
				t.Fatalf("Get missing = ok:%v err:%v", ok, err)
			}
			if err := st.Set(ctx, "Cron", `{"schedules":[]}`); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := st.Set(ctx, "Cron", `{"schedules":[{"id":1}]}`); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			v, ok, err := st.Get(ctx, "Cron")
			if err != nil || !ok || v != `{"schedules":[{"id":1}]}` {
				t.Fatalf("Get = %q ok:%v err:%v", v, ok, err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Feature: "Cron", Action: "add", Target: "1"}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < fileCompactEvery+5; i++ {
		if err := st.Set(ctx, "counter", string(rune('a'+i%26))); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Set(ctx, "Cron", "persisted"); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "state.kv.snapshot.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	st2, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	v, ok, err := st2.Get(ctx, "Cron")
	if err != nil || !ok || v != "persisted" {
		t.Fatalf("after reopen Get = %q ok:%v err:%v", v, ok, err)
	}
	if _, ok, err := st2.Get(ctx, "counter"); err != nil || !ok {
		t.Fatalf("counter lost after compaction: ok:%v err:%v", ok, err)
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	journal := filepath.Join(dir, "s.kv.journal.jsonl")
	body := `{"key":"a","value":"1"}` + "\n" + `{"key":"b","val`
	if err := os.WriteFile(journal, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := openFile(Config{Path: filepath.Join(dir, "s")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if v, ok, _ := st.Get(context.Background(), "a"); !ok || v != "1" {
		t.Fatalf("a = %q ok:%v", v, ok)
	}
}

func TestClosedFileStore(t *testing.T) {
	t.Parallel()
	st := openForTest(t, "file")
	_ = st.Close()
	if err := st.Set(context.Background(), "k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set after Close = %v", err)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "relaybot.db")
	st, err := openSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "Cron", "v1"); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st2, err := openSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	if v, ok, err := st2.Get(ctx, "Cron"); err != nil || !ok || v != "v1" {
		t.Fatalf("Get = %q ok:%v err:%v", v, ok, err)
	}
}

func TestBadgerAuditOrder(t *testing.T) {
	t.Parallel()
	st, err := openBadger(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	bs := st.(*badgerStore)

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	want := []AuditEntry{
		{At: base, Feature: "Cron", Action: "add", Target: "7"},
		{At: base.Add(time.Second), Feature: "Cron", Action: "remove", Target: "7"},
	}
	// Insert out of order; keys sort by time.
	_ = bs.AppendAudit(context.Background(), want[1])
	_ = bs.AppendAudit(context.Background(), want[0])

	got, err := bs.audit()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Fatalf("audit (-want +got):\n%s", diff)
	}
}

func TestServiceRoundTrip(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	svc := NewService(mem, logx.Nop(), time.Second)
	defer svc.Close()
	ctx := context.Background()

	if r := <-svc.Get(ctx, "Cron"); r.Err != nil || r.Found {
		t.Fatalf("Get missing = %+v", r)
	}
	if err := <-svc.Set(ctx, "Cron", "x"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := svc.Load(ctx, "Cron")
	if err != nil || !ok || v != "x" {
		t.Fatalf("Load = %q ok:%v err:%v", v, ok, err)
	}
	if err := svc.Save(ctx, "Cron", "y"); err != nil {
		t.Fatal(err)
	}
	if err := <-svc.Audit(ctx, AuditEntry{Feature: "Cron", Action: "add"}); err != nil {
		t.Fatal(err)
	}
	audit := mem.Audit()
	if len(audit) != 1 || audit[0].At.IsZero() {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestServiceClosedAndDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewService(NewMemory(), logx.Nop(), 0)
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	_ = svc.Close()
	if r := <-svc.Get(ctx, "k"); !errors.Is(r.Err, ErrClosed) {
		t.Fatalf("Get after Close = %v", r.Err)
	}

	var nilSvc *Service
	if err := nilSvc.Save(ctx, "k", "v"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil service Save = %v", err)
	}
	if err := nilSvc.Close(); err != nil {
		t.Fatal(err)
	}
}

type blockingStore struct {
	*Memory
	release chan struct{}
}

func (b blockingStore) Get(ctx context.Context, key string) (string, bool, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	return b.Memory.Get(ctx, key)
}

func TestServiceLoadBoundedByContext(t *testing.T) {
	t.Parallel()
	st := blockingStore{Memory: NewMemory(), release: make(chan struct{})}
	svc := NewService(st, logx.Nop(), 0)
	defer svc.Close()
	defer close(st.release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := svc.Load(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Load = %v, want deadline exceeded", err)
	}
}
