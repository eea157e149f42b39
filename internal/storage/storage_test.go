package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cadence/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v/%v, want nil/nil", st, err)
	}
	st, err = Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(empty) = %v/%v, want nil/nil", st, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func testRoundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	entries := []AuditEntry{
		{Plugin: "viewer", Path: "/plugins/viewer.so", Action: "load", TookMS: 12},
		{Plugin: "viewer", Path: "/plugins/viewer.so", Action: "reload", TookMS: 7},
		{Plugin: "gui", Action: "load_failed", Error: "symbol missing"},
	}
	for _, e := range entries {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := st.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("ListAudit returned %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Plugin != entries[i].Plugin || got[i].Action != entries[i].Action {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
		if got[i].At.IsZero() {
			t.Fatalf("entry %d missing timestamp", i)
		}
	}

	got, err = st.ListAudit(ctx, 1)
	if err != nil {
		t.Fatalf("ListAudit(1): %v", err)
	}
	if len(got) != 1 || got[0].Action != "load_failed" {
		t.Fatalf("ListAudit(1) = %+v, want the newest entry", got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	testRoundTrip(t, st)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	testRoundTrip(t, st)
}
