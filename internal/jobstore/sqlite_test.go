package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/devicelab/conductor/pkg/types"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Roundtrip(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	def := testJob("j1")
	def.Actions = []types.Action{{Name: "deploy", Kind: types.ActionKindDeploy, Timeout: def.Timeout}}
	if err := store.CreateJob(ctx, def); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != "j1" || len(got.Actions) != 1 || got.Actions[0].Name != "deploy" {
		t.Errorf("definition did not roundtrip: %+v", got)
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

// A restarted scheduler must see queued and running jobs exactly as they
// were persisted.
func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	store.CreateJob(ctx, testJob("queued-job"))
	store.UpdateJobStatus(ctx, "queued-job", types.JobStatusQueued, "")
	store.CreateJob(ctx, testJob("running-job"))
	store.UpdateJobStatus(ctx, "running-job", types.JobStatusRunning, "")
	store.SetJobDevice(ctx, "running-job", "qemu-01")
	store.AppendResult(ctx, "running-job", &types.ActionResult{
		JobID: "running-job", Action: "deploy", Status: types.ResultPass,
	})
	store.Close()

	reopened, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	pending, err := reopened.ListByStatus(ctx, types.JobStatusQueued, types.JobStatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending after reopen = %d, want 2", len(pending))
	}
	meta, err := reopened.GetJobMeta(ctx, "running-job")
	if err != nil {
		t.Fatalf("GetJobMeta: %v", err)
	}
	if meta.DeviceID != "qemu-01" {
		t.Errorf("device binding lost across restart: %q", meta.DeviceID)
	}
	results, err := reopened.GetResults(ctx, "running-job")
	if err != nil || len(results) != 1 {
		t.Errorf("results lost across restart: %v, %v", results, err)
	}
}

func TestSQLiteStore_EventTrim(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), &Config{EventMaxLen: 2})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	store.CreateJob(ctx, testJob("j1"))

	for i := 0; i < 4; i++ {
		if _, err := store.AppendEvent(ctx, "j1", &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events, err := store.EventsSince(ctx, "j1", "")
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("kept %d events, want 2", len(events))
	}
}
