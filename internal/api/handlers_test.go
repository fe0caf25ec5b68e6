package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/config"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/parser"
	"github.com/devicelab/conductor/internal/results"
	"github.com/devicelab/conductor/internal/scheduler"
	"github.com/devicelab/conductor/pkg/types"
)

const submissionYAML = `
name: kernel-smoke
device_type: qemu
priority: medium
timeout: 30m
metadata:
  kernel_url: http://images.example.com/vmlinuz
actions:
  - kind: deploy
    method: tftp
    timeout: 5m
    parameters:
      kernel: "{kernel_url}"
  - kind: boot
    method: qemu-nfs
    timeout: 4m
  - kind: test
    method: shell
    parameters:
      definition: smoke-tests
`

// fakeControl is a JobControl fake recording submissions.
type fakeControl struct {
	submitted [][]*types.JobDefinition
	cancelErr error
}

func (f *fakeControl) Submit(ctx context.Context, jobs []*types.JobDefinition) ([]string, error) {
	f.submitted = append(f.submitted, jobs)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		j.ID = "assigned-" + j.Name
		ids[i] = j.ID
	}
	return ids, nil
}

func (f *fakeControl) Cancel(ctx context.Context, jobID string) error {
	return f.cancelErr
}

func newTestAPI(t *testing.T) (*Server, *fakeControl, jobstore.JobStore, *allocator.Pool) {
	t.Helper()
	store := jobstore.NewMemoryStore(nil)
	pool := allocator.NewPool()
	control := &fakeControl{}
	cfg := &config.Config{CORSOrigins: []string{"*"}}
	h := NewHandlers(store, control, parser.New(time.Hour), results.NewCollector(store), pool, nil, nil, cfg, nil)
	return NewServer(h), control, store, pool
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	srv, control, _, _ := newTestAPI(t)

	rec := doRequest(t, srv, "POST", "/api/v1/jobs", submissionYAML)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp SubmitJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.JobIDs) != 1 {
		t.Fatalf("job_ids = %v, want one", resp.JobIDs)
	}
	if len(control.submitted) != 1 {
		t.Fatalf("scheduler received %d submissions, want 1", len(control.submitted))
	}
}

func TestSubmitJob_InvalidYAML(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	rec := doRequest(t, srv, "POST", "/api/v1/jobs", "actions: {not valid")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error != ErrCodeBadRequest {
		t.Errorf("error code = %s, want %s", resp.Error, ErrCodeBadRequest)
	}
}

func TestSubmitJob_MissingTriple(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)
	body := `
name: incomplete
device_type: qemu
actions:
  - kind: deploy
    method: tftp
`
	rec := doRequest(t, srv, "POST", "/api/v1/jobs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetJob(t *testing.T) {
	srv, _, store, _ := newTestAPI(t)

	if rec := doRequest(t, srv, "GET", "/api/v1/jobs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}

	job := &types.JobDefinition{ID: "abc", Name: "j", Timeout: time.Hour, SubmittedAt: time.Now().UTC()}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	rec := doRequest(t, srv, "GET", "/api/v1/jobs/abc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var meta types.JobMeta
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ID != "abc" {
		t.Errorf("meta id = %s", meta.ID)
	}

	rec = doRequest(t, srv, "GET", "/api/v1/jobs/abc?full=true", "")
	if !strings.Contains(rec.Body.String(), `"definition"`) {
		t.Error("full view missing definition")
	}
}

func TestCancelJob_Conflict(t *testing.T) {
	srv, control, _, _ := newTestAPI(t)
	control.cancelErr = scheduler.ErrJobNotCancelable

	rec := doRequest(t, srv, "POST", "/api/v1/jobs/abc/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetResults_Formats(t *testing.T) {
	srv, _, store, _ := newTestAPI(t)
	ctx := context.Background()
	job := &types.JobDefinition{ID: "r1", Timeout: time.Hour, SubmittedAt: time.Now().UTC()}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	store.UpdateJobStatus(ctx, "r1", types.JobStatusRunning, "")
	store.AppendResult(ctx, "r1", &types.ActionResult{
		JobID: "r1", Action: "smoke-tests", Kind: types.ActionKindTest, Status: types.ResultPass,
		TestCases: []types.TestCase{{Name: "cpu", Result: "pass"}},
	})

	rec := doRequest(t, srv, "GET", "/api/v1/jobs/r1/results", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("json export: status %d, type %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = doRequest(t, srv, "GET", "/api/v1/jobs/r1/results?format=csv", "")
	if rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("csv content type = %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "cpu,pass") {
		t.Errorf("csv body missing case row: %s", rec.Body.String())
	}

	rec = doRequest(t, srv, "GET", "/api/v1/jobs/r1/results?format=xml", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown format status = %d, want 400", rec.Code)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	srv, _, _, pool := newTestAPI(t)

	body := `{"id":"bbb-01","device_type":"beaglebone","tags":["usb"]}`
	rec := doRequest(t, srv, "POST", "/api/v1/devices", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	if d, ok := pool.Get("bbb-01"); !ok || d.Health != types.HealthGood {
		t.Fatalf("device not in pool with default health: %+v", d)
	}

	rec = doRequest(t, srv, "GET", "/api/v1/devices", "")
	if !strings.Contains(rec.Body.String(), "bbb-01") {
		t.Error("device list missing registered device")
	}

	rec = doRequest(t, srv, "POST", "/api/v1/devices/bbb-01/health", `{"health":"maintenance"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set health status = %d", rec.Code)
	}
	if d, _ := pool.Get("bbb-01"); d.Health != types.HealthMaintenance {
		t.Errorf("health = %s, want maintenance", d.Health)
	}

	rec = doRequest(t, srv, "POST", "/api/v1/devices/bbb-01/health", `{"health":"broken"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad health status = %d, want 400", rec.Code)
	}
}

func TestTracingMiddlewareServesRequests(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	cfg := &config.Config{CORSOrigins: []string{"*"}, TracingEnabled: true}
	h := NewHandlers(store, &fakeControl{}, parser.New(time.Hour), results.NewCollector(store), allocator.NewPool(), nil, nil, cfg, nil)
	srv := NewServer(h)

	// Instrumentation wraps the whole chain; requests must pass through
	// unchanged whether or not a real exporter is installed.
	if rec := doRequest(t, srv, "GET", "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health through tracing middleware = %d", rec.Code)
	}
	if rec := doRequest(t, srv, "GET", "/api/v1/jobs", ""); rec.Code != http.StatusOK {
		t.Fatalf("jobs through tracing middleware = %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)
	if rec := doRequest(t, srv, "GET", "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	rec := doRequest(t, srv, "GET", "/ready", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "memory") {
		t.Fatalf("ready = %d, body %s", rec.Code, rec.Body.String())
	}
}
