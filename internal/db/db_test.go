package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/presence"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "presence.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var busyTimeout, synchronous, tempStore int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", busyTimeout)
	}
	if err := db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("Failed to query synchronous: %v", err)
	}
	if synchronous != 1 {
		t.Errorf("synchronous = %d, want 1 (NORMAL)", synchronous)
	}
	if err := db.QueryRow("PRAGMA temp_store").Scan(&tempStore); err != nil {
		t.Fatalf("Failed to query temp_store: %v", err)
	}
	if tempStore != 2 {
		t.Errorf("temp_store = %d, want 2 (MEMORY)", tempStore)
	}
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("version = %d dirty = %v, want 1 clean", version, dirty)
	}

	// Running again is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='presence_samples'`).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Errorf("presence_samples still exists after MigrateDown")
	}
}

func TestReopenExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	id, err := db.StartRun(context.Background(), "/dev/ttyUSB0", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	db.Close()

	db, err = NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	runs, err := db.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Fatalf("runs = %+v, want the one run %s", runs, id)
	}
}

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cfg := device.ModuleConfig{
		"range_start":       device.Num(200),
		"profile_selection": device.Named("profile_2"),
	}
	id, err := db.StartRun(ctx, "/dev/ttyUSB0", cfg)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id == "" {
		t.Fatal("StartRun returned an empty ID")
	}

	base := time.Unix(1700000000, 0)
	samples := []presence.Sample{
		{Presence: false, Score: 0.1, Distance: 0},
		{Presence: true, Score: 1.5, Distance: 0.75},
		{Presence: true, Score: 2.25, Distance: 1.25},
	}
	for i, s := range samples {
		rec := presence.TimedSample{Time: base.Add(time.Duration(i) * 100 * time.Millisecond), Sample: s}
		if err := db.RecordSample(ctx, id, rec); err != nil {
			t.Fatalf("RecordSample %d: %v", i, err)
		}
	}
	if err := db.FinishRun(ctx, id, len(samples), errors.New("stream decode error")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := db.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	r := runs[0]
	if r.Port != "/dev/ttyUSB0" || r.SampleCount != 3 || r.Error != "stream decode error" || r.FinishedAt == nil {
		t.Errorf("unexpected run %+v", r)
	}
	if r.Config["range_start"] != device.Num(200) || r.Config["profile_selection"] != device.Named("profile_2") {
		t.Errorf("config = %v", r.Config)
	}

	got, err := db.RunSamples(ctx, id)
	if err != nil {
		t.Fatalf("RunSamples: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("len(RunSamples) = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i].Sample != samples[i] {
			t.Errorf("sample %d = %+v, want %+v", i, got[i].Sample, samples[i])
		}
		if !got[i].Time.Equal(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Errorf("sample %d time = %v", i, got[i].Time)
		}
	}
}

func TestRecent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.StartRun(ctx, "sim", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		rec := presence.TimedSample{
			Time:   base.Add(time.Duration(i) * time.Second),
			Sample: presence.Sample{Presence: true, Distance: float32(i)},
		}
		if err := db.RecordSample(ctx, id, rec); err != nil {
			t.Fatalf("RecordSample: %v", err)
		}
	}

	got, err := db.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(got))
	}
	if got[0].Distance != 3 || got[1].Distance != 4 {
		t.Errorf("Recent = %+v, want the last two oldest first", got)
	}

	all, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 5 {
		t.Errorf("len(Recent(0)) = %d, want 5", len(all))
	}
}

func TestFinishUnknownRun(t *testing.T) {
	db := newTestDB(t)
	if err := db.FinishRun(context.Background(), "missing", 0, nil); err == nil {
		t.Fatal("expected an error finishing an unknown run")
	}
}

func TestAttachAdminRoutes_Registered(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	// Debug routes may answer 403 to non-local callers, but never 404.
	for _, endpoint := range []string{"/debug/backup", "/debug/runs", "/debug/tailsql/"} {
		t.Run(endpoint, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, endpoint, nil))
			if w.Code == http.StatusNotFound {
				t.Errorf("%s should be registered, got 404", endpoint)
			}
		})
	}
}

func TestServeRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := httptest.NewRecorder()
	db.serveRuns(w, httptest.NewRequest(http.MethodGet, "/debug/runs", nil))
	if w.Code != http.StatusOK || string(bytes.TrimSpace(w.Body.Bytes())) != "[]" {
		t.Fatalf("empty listing: code %d body %q", w.Code, w.Body.String())
	}

	for i := 0; i < 3; i++ {
		if _, err := db.StartRun(ctx, "sim", nil); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
	}
	w = httptest.NewRecorder()
	db.serveRuns(w, httptest.NewRequest(http.MethodGet, "/debug/runs?limit=2", nil))
	var runs []Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("len(runs) = %d, want 2", len(runs))
	}

	w = httptest.NewRecorder()
	db.serveRuns(w, httptest.NewRequest(http.MethodGet, "/debug/runs?limit=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: code %d, want 400", w.Code)
	}
}

func TestServeBackup(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.StartRun(context.Background(), "sim", nil); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	w := httptest.NewRecorder()
	db.serveBackup(w, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("backup: code %d body %q", w.Code, w.Body.String())
	}
	gz, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("SQLite format 3\x00")) {
		t.Errorf("backup is not a SQLite file (%d bytes)", len(data))
	}
}
