package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func sampleRun(id string, started time.Time) RunRecord {
	run := NewRunRecord(id)
	run.StartedAt = started
	run.Model = "model.json"
	run.InputMode = "direct"
	run.AddBatch(BatchResult{Index: 0, Truth: []int{0, 1}, Predictions: []int{0, 1}, Accuracy: 1, EffectiveSteps: 10, StepsSimulated: 10})
	run.AddBatch(BatchResult{Index: 1, Truth: []int{2, 2}, Predictions: []int{2, -1}, Accuracy: 0.5, EffectiveSteps: 10, StepsSimulated: 6, EarlyStopped: true})
	return run
}

func TestRunRecordAccuracy(t *testing.T) {
	run := sampleRun("run-1", time.Now())
	if run.Samples != 4 {
		t.Errorf("samples = %d, expected 4", run.Samples)
	}
	if run.Accuracy != 0.75 {
		t.Errorf("accuracy = %g, expected 0.75", run.Accuracy)
	}
}

func TestDecodeRunVersionMismatch(t *testing.T) {
	run := sampleRun("run-1", time.Now())
	run.CodecVersion = CurrentCodecVersion + 1
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{"memory", false},
		{"sqlite", false},
		{"redis", true},
	}
	for _, test := range tests {
		store, err := NewStore(test.kind, filepath.Join(t.TempDir(), "runs.db"))
		if (err != nil) != test.wantErr {
			t.Errorf("NewStore(%q) error = %v, wantErr %v", test.kind, err, test.wantErr)
		}
		if err == nil {
			if err := CloseIfSupported(store); err != nil {
				t.Errorf("close %q: %v", test.kind, err)
			}
		}
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Fatal("run ids must be unique")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("run id %q is not a uuid: %v", a, err)
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	older := sampleRun("run-old", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := sampleRun("run-new", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	for _, run := range []RunRecord{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	loaded, ok, err := store.GetRun(ctx, "run-old")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted run")
	}
	if len(loaded.Batches) != 2 || loaded.Batches[1].Predictions[1] != -1 || !loaded.Batches[1].EarlyStopped {
		t.Fatalf("unexpected run: %+v", loaded)
	}

	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, got ok=%v err=%v", ok, err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Fatalf("unexpected run order: %+v", runs)
	}

	stale := sampleRun("run-stale", time.Now())
	stale.SchemaVersion = 0
	if err := store.SaveRun(ctx, stale); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	if err := NewMemoryStore().SaveRun(context.Background(), sampleRun("r", time.Now())); err == nil {
		t.Fatal("expected error before init")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	first := NewSQLiteStore(path)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveRun(ctx, sampleRun("run-1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(path)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if _, ok, err := second.GetRun(ctx, "run-1"); err != nil || !ok {
		t.Fatalf("expected run after reopen, got ok=%v err=%v", ok, err)
	}
}
