package results

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

func seedJob(t *testing.T, store jobstore.JobStore, status types.JobStatus) string {
	t.Helper()
	ctx := context.Background()
	job := &types.JobDefinition{
		ID:          "job-42",
		Name:        "nightly",
		Priority:    types.PriorityMedium,
		Visibility:  types.VisibilityPublic,
		Timeout:     time.Hour,
		SubmittedAt: time.Now().UTC(),
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.UpdateJobStatus(ctx, job.ID, types.JobStatusRunning, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	for _, r := range []types.ActionResult{
		{JobID: job.ID, Action: "deploy-image", Kind: types.ActionKindDeploy, Status: types.ResultPass, Duration: 42 * time.Second},
		{JobID: job.ID, Action: "boot-minimal", Kind: types.ActionKindBoot, Status: types.ResultPass, Duration: 9 * time.Second},
		{JobID: job.ID, Action: "smoke-tests", Kind: types.ActionKindTest, Status: types.ResultFail, ErrorKind: types.ErrorKindTest,
			Duration: 63 * time.Second,
			TestCases: []types.TestCase{
				{Name: "cpu", Result: "pass"},
				{Name: "memory", Result: "fail"},
				{Name: "boot-time", Result: "pass", Measurement: 3.2, Units: "seconds"},
			}},
	} {
		r := r
		if err := store.AppendResult(ctx, job.ID, &r); err != nil {
			t.Fatalf("append result: %v", err)
		}
	}
	if status != types.JobStatusRunning {
		if err := store.UpdateJobStatus(ctx, job.ID, status, ""); err != nil {
			t.Fatalf("final status: %v", err)
		}
	}
	return job.ID
}

func TestBundle_PartialWhileRunning(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	jobID := seedJob(t, store, types.JobStatusRunning)

	bundle, err := NewCollector(store).Bundle(context.Background(), jobID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.Final {
		t.Error("running job must not produce a final bundle")
	}
	if len(bundle.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(bundle.Results))
	}
	if bundle.StartedAt.IsZero() {
		t.Error("started_at not populated")
	}
}

func TestBundle_FinalAndVerdict(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	jobID := seedJob(t, store, types.JobStatusFailed)

	bundle, err := NewCollector(store).Bundle(context.Background(), jobID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if !bundle.Final {
		t.Error("terminal job must produce a final bundle")
	}
	if Passed(bundle) {
		t.Error("bundle with a failed test action must not pass")
	}
}

func TestBundle_NotFound(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	if _, err := NewCollector(store).Bundle(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestExport_CSV(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	jobID := seedJob(t, store, types.JobStatusFailed)
	c := NewCollector(store)
	bundle, err := c.Bundle(context.Background(), jobID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Export(&buf, bundle, FormatCSV); err != nil {
		t.Fatalf("export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	// Header + 2 actions without cases + 3 test cases.
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want 6", len(rows))
	}
	if rows[0][0] != "job_id" {
		t.Errorf("header = %v", rows[0])
	}
	var memoryRow []string
	for _, row := range rows[1:] {
		if row[3] == "memory" {
			memoryRow = row
		}
	}
	if memoryRow == nil {
		t.Fatal("no row for the memory test case")
	}
	if memoryRow[4] != "fail" {
		t.Errorf("memory result = %s, want fail", memoryRow[4])
	}
}

func TestExport_YAMLAndJSON(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	jobID := seedJob(t, store, types.JobStatusFailed)
	c := NewCollector(store)
	bundle, err := c.Bundle(context.Background(), jobID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	var y bytes.Buffer
	if err := c.Export(&y, bundle, FormatYAML); err != nil {
		t.Fatalf("yaml export: %v", err)
	}
	if !strings.Contains(y.String(), "boot-time") {
		t.Error("yaml export missing test case names")
	}

	var j bytes.Buffer
	if err := c.Export(&j, bundle, FormatJSON); err != nil {
		t.Fatalf("json export: %v", err)
	}
	if !strings.Contains(j.String(), `"job_id": "job-42"`) {
		t.Error("json export missing job id")
	}
}

func TestParseFormat(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Format
		ok   bool
	}{
		{"", FormatJSON, true},
		{"json", FormatJSON, true},
		{"yaml", FormatYAML, true},
		{"yml", FormatYAML, true},
		{"csv", FormatCSV, true},
		{"xml", "", false},
	} {
		got, err := ParseFormat(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseFormat(%q) succeeded, want error", tc.in)
		}
	}
}
