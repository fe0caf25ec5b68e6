package executor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicelab/conductor/internal/images"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

// scriptConn is a console fake fed with pre-scripted output lines.
type scriptConn struct {
	mu    sync.Mutex
	sent  []string
	lines chan string
	errAt error // returned once the scripted lines run out
}

func newScriptConn(lines ...string) *scriptConn {
	c := &scriptConn{lines: make(chan string, len(lines)+8)}
	for _, l := range lines {
		c.lines <- l
	}
	return c
}

func (c *scriptConn) Send(ctx context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, line)
	return nil
}

func (c *scriptConn) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-c.lines:
		if !ok {
			if c.errAt != nil {
				return "", c.errAt
			}
			return "", ErrConnectionLost
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *scriptConn) Expect(ctx context.Context, pattern string) (string, error) {
	for {
		line, err := c.ReadLine(ctx)
		if err != nil {
			return "", err
		}
		if strings.Contains(line, pattern) {
			return line, nil
		}
	}
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) sentLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// recordingRunner records management commands instead of executing them.
type recordingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingRunner) Run(ctx context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, command)
	return nil
}

func (r *recordingRunner) ran(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.runs {
		if c == command {
			return true
		}
	}
	return false
}

// fakeImageStore resolves every ref instantly, or blocks until the context
// expires when stall is set.
type fakeImageStore struct {
	stall bool
}

func (f *fakeImageStore) Fetch(ctx context.Context, ref string) (*images.Artifact, error) {
	if f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &images.Artifact{
		Path:   "/cache/" + strings.TrimPrefix(ref, "http://images.local/"),
		SHA256: "deadbeef",
		Size:   4096,
	}, nil
}

func testDevice() *types.Device {
	return &types.Device{
		ID:         "qemu-01",
		DeviceType: "qemu",
		Health:     types.HealthGood,
		Console: map[string]string{
			"connect":     "socat - tcp:qemu-01:5000",
			"power_on":    "qemu-ctl start qemu-01",
			"power_off":   "qemu-ctl stop qemu-01",
			"write_image": "qemu-ctl attach qemu-01 {image}",
		},
	}
}

func action(name string, kind types.ActionKind, timeout time.Duration, params map[string]string, steps ...string) types.Action {
	a := types.Action{
		Name:       name,
		Kind:       kind,
		Timeout:    timeout,
		Parameters: params,
	}
	if a.Parameters == nil {
		a.Parameters = map[string]string{}
	}
	for _, step := range steps {
		a.Children = append(a.Children, types.Action{
			Name:       name + "-" + step,
			Kind:       kind,
			Timeout:    timeout,
			Parameters: map[string]string{"step": step},
		})
	}
	return a
}

func testJob(deployTimeout, testTimeout time.Duration) *types.JobDefinition {
	return &types.JobDefinition{
		ID:       "job-1",
		Name:     "qemu smoke",
		Priority: types.PriorityMedium,
		Timeout:  30 * time.Second,
		Actions: []types.Action{
			action("deploy-image", types.ActionKindDeploy, deployTimeout,
				map[string]string{"image": "http://images.local/disk.img"},
				"download", "checksum", "write-image"),
			action("boot-minimal", types.ActionKindBoot, 5*time.Second, nil,
				"connect", "power-on", "wait-for-prompt"),
			action("smoke-tests", types.ActionKindTest, testTimeout,
				map[string]string{"command": "run-smoke"},
				"run-tests"),
			func() types.Action {
				a := action("finalize", types.ActionKindFinalize, 5*time.Second, nil,
					"power-off", "release-connection")
				a.AlwaysRun = true
				return a
			}(),
		},
	}
}

func newTestExecutor(t *testing.T, conn Connection, imgs images.Store) (*Executor, *jobstore.MemoryStore, *recordingRunner) {
	t.Helper()
	store := jobstore.NewMemoryStore(nil)
	runner := &recordingRunner{}
	exec := New(store, imgs, nil, &Config{
		LoginRetries:      2,
		LoginRetryTimeout: time.Second,
		ConnectionRetries: 1,
		FinalizeGrace:     5 * time.Second,
		BarrierTimeout:    time.Second,
	}, nil)
	exec.SetCommandRunner(runner)
	exec.SetConnectFunc(func(ctx context.Context, command string) (Connection, error) {
		return conn, nil
	})
	return exec, store, runner
}

func createJob(t *testing.T, store jobstore.JobStore, job *types.JobDefinition) {
	t.Helper()
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func resultFor(t *testing.T, store jobstore.JobStore, jobID, action string) *types.ActionResult {
	t.Helper()
	results, err := store.GetResults(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	for i := range results {
		if results[i].Action == action {
			return &results[i]
		}
	}
	t.Fatalf("no result for action %s (have %d results)", action, len(results))
	return nil
}

func TestRun_CompletePipeline(t *testing.T) {
	conn := newScriptConn(
		"U-Boot 2024.01",
		"login: root",
		"root@device:~# ",
		"<TESTRUN_START smoke>",
		"<RESULT name=boot-time result=pass measurement=3.2 units=seconds>",
		"<RESULT name=network result=pass>",
		"<TESTRUN_END smoke>",
	)
	exec, store, runner := newTestExecutor(t, conn, &fakeImageStore{})
	job := testJob(5*time.Second, 5*time.Second)
	createJob(t, store, job)

	status := exec.Run(context.Background(), job, testDevice())
	if status != types.JobStatusComplete {
		t.Fatalf("status = %s, want complete", status)
	}

	for _, name := range []string{"deploy-image", "boot-minimal", "smoke-tests", "finalize"} {
		r := resultFor(t, store, job.ID, name)
		if r.Status != types.ResultPass {
			t.Errorf("%s: status = %s, want pass", name, r.Status)
		}
	}
	tests := resultFor(t, store, job.ID, "smoke-tests")
	if got := tests.PassCount(); got != 2 {
		t.Errorf("pass count = %d, want 2", got)
	}
	if !runner.ran("qemu-ctl start qemu-01") {
		t.Error("power_on command never ran")
	}
	if !runner.ran("qemu-ctl stop qemu-01") {
		t.Error("power_off command never ran")
	}
	if !runner.ran("qemu-ctl attach qemu-01 /cache/disk.img") {
		t.Error("write_image did not resolve the deployed image path")
	}
	sent := conn.sentLines()
	if len(sent) == 0 || sent[len(sent)-1] != "run-smoke" {
		t.Errorf("test command not sent, sent = %v", sent)
	}
}

func TestRun_DeployTimeout(t *testing.T) {
	conn := newScriptConn()
	exec, store, runner := newTestExecutor(t, conn, &fakeImageStore{stall: true})
	job := testJob(100*time.Millisecond, time.Second)
	createJob(t, store, job)

	status := exec.Run(context.Background(), job, testDevice())
	if status != types.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}

	deploy := resultFor(t, store, job.ID, "deploy-image")
	if deploy.Status != types.ResultFail {
		t.Errorf("deploy status = %s, want fail", deploy.Status)
	}
	if deploy.ErrorKind != types.ErrorKindTimeout {
		t.Errorf("deploy error kind = %s, want timeout", deploy.ErrorKind)
	}

	// Downstream actions short-circuit, cleanup still runs.
	for _, name := range []string{"boot-minimal", "smoke-tests"} {
		if r := resultFor(t, store, job.ID, name); r.Status != types.ResultSkip {
			t.Errorf("%s status = %s, want skip", name, r.Status)
		}
	}
	if r := resultFor(t, store, job.ID, "finalize"); r.Status != types.ResultPass {
		t.Errorf("finalize status = %s, want pass", r.Status)
	}
	if !runner.ran("qemu-ctl stop qemu-01") {
		t.Error("device was not powered off after failure")
	}
}

func TestRun_TestCaseFailure(t *testing.T) {
	conn := newScriptConn(
		"root@device:~# ",
		"<TESTRUN_START smoke>",
		"<RESULT name=cpu result=pass>",
		"<RESULT name=memory result=fail>",
		"<RESULT name=disk result=pass>",
		"<TESTRUN_END smoke>",
	)
	exec, store, _ := newTestExecutor(t, conn, &fakeImageStore{})
	job := testJob(5*time.Second, 5*time.Second)
	createJob(t, store, job)

	status := exec.Run(context.Background(), job, testDevice())
	if status != types.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}

	tests := resultFor(t, store, job.ID, "smoke-tests")
	if tests.Status != types.ResultFail {
		t.Errorf("test action status = %s, want fail", tests.Status)
	}
	if tests.ErrorKind != types.ErrorKindTest {
		t.Errorf("error kind = %s, want test", tests.ErrorKind)
	}
	if len(tests.TestCases) != 3 {
		t.Fatalf("test cases = %d, want 3", len(tests.TestCases))
	}
	if got := tests.PassCount(); got != 2 {
		t.Errorf("pass count = %d, want 2", got)
	}
	// A failed test payload does not stop the pipeline.
	if r := resultFor(t, store, job.ID, "finalize"); r.Status != types.ResultPass {
		t.Errorf("finalize status = %s, want pass", r.Status)
	}
}

func TestRun_Cancel(t *testing.T) {
	// No markers scripted: the test action blocks reading the console
	// until the cancel lands.
	conn := newScriptConn("root@device:~# ")
	exec, store, runner := newTestExecutor(t, conn, &fakeImageStore{})
	job := testJob(5*time.Second, 10*time.Second)
	createJob(t, store, job)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	status := exec.Run(ctx, job, testDevice())
	if status != types.JobStatusCanceled {
		t.Fatalf("status = %s, want canceled", status)
	}
	tests := resultFor(t, store, job.ID, "smoke-tests")
	if tests.ErrorKind != types.ErrorKindCanceled {
		t.Errorf("error kind = %s, want canceled", tests.ErrorKind)
	}
	if tests.Status != types.ResultIncomplete {
		t.Errorf("test status = %s, want incomplete", tests.Status)
	}
	if !runner.ran("qemu-ctl stop qemu-01") {
		t.Error("device was not powered off after cancel")
	}
}

func TestRun_CancelPersistsToDurableStore(t *testing.T) {
	// SQLite honors context cancellation on every write, so the terminal
	// canceled status and the canceled action's result must be written
	// detached from the dead job context.
	store, err := jobstore.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	conn := newScriptConn("root@device:~# ")
	runner := &recordingRunner{}
	exec := New(store, &fakeImageStore{}, nil, &Config{
		LoginRetries:      2,
		LoginRetryTimeout: time.Second,
		ConnectionRetries: 1,
		FinalizeGrace:     5 * time.Second,
		BarrierTimeout:    time.Second,
	}, nil)
	exec.SetCommandRunner(runner)
	exec.SetConnectFunc(func(ctx context.Context, command string) (Connection, error) {
		return conn, nil
	})

	job := testJob(5*time.Second, 10*time.Second)
	createJob(t, store, job)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	if status := exec.Run(ctx, job, testDevice()); status != types.JobStatusCanceled {
		t.Fatalf("status = %s, want canceled", status)
	}

	meta, err := store.GetJobMeta(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != types.JobStatusCanceled {
		t.Fatalf("persisted status = %q, want canceled", meta.Status)
	}
	tests := resultFor(t, store, job.ID, "smoke-tests")
	if tests.Status != types.ResultIncomplete {
		t.Errorf("persisted test status = %s, want incomplete", tests.Status)
	}
}

func TestRun_JobTimeoutIncomplete(t *testing.T) {
	conn := newScriptConn("root@device:~# ")
	exec, store, runner := newTestExecutor(t, conn, &fakeImageStore{})
	job := testJob(5*time.Second, 10*time.Second)
	job.Timeout = 300 * time.Millisecond
	createJob(t, store, job)

	status := exec.Run(context.Background(), job, testDevice())
	if status != types.JobStatusIncomplete {
		t.Fatalf("status = %s, want incomplete", status)
	}
	tests := resultFor(t, store, job.ID, "smoke-tests")
	if tests.ErrorKind != types.ErrorKindTimeout {
		t.Errorf("error kind = %s, want timeout", tests.ErrorKind)
	}
	// Finalize runs under the grace budget even though the job deadline
	// already fired.
	if r := resultFor(t, store, job.ID, "finalize"); r.Status != types.ResultPass {
		t.Errorf("finalize status = %s, want pass", r.Status)
	}
	if !runner.ran("qemu-ctl stop qemu-01") {
		t.Error("device was not powered off after job timeout")
	}
}

func TestRun_ConnectionLostPreservesCases(t *testing.T) {
	// The console dies mid-testrun after two results. Reconnect is
	// bounded at one retry and the replacement console dies immediately,
	// so the action fails, keeping the cases parsed before the drop.
	first := newScriptConn(
		"root@device:~# ",
		"<TESTRUN_START smoke>",
		"<RESULT name=cpu result=pass>",
		"<RESULT name=memory result=pass>",
	)
	close(first.lines)

	dials := 0
	exec, store, _ := newTestExecutor(t, first, &fakeImageStore{})
	exec.SetConnectFunc(func(ctx context.Context, command string) (Connection, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		dead := newScriptConn()
		close(dead.lines)
		return dead, nil
	})

	job := testJob(5*time.Second, 5*time.Second)
	createJob(t, store, job)

	status := exec.Run(context.Background(), job, testDevice())
	if status != types.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	tests := resultFor(t, store, job.ID, "smoke-tests")
	if tests.ErrorKind != types.ErrorKindConnection {
		t.Errorf("error kind = %s, want connection", tests.ErrorKind)
	}
	if len(tests.TestCases) != 2 {
		t.Fatalf("test cases = %d, want the 2 parsed before the drop", len(tests.TestCases))
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2 (initial + one bounded retry)", dials)
	}
}

func TestRun_UnknownStepIsInfrastructure(t *testing.T) {
	conn := newScriptConn()
	exec, store, _ := newTestExecutor(t, conn, &fakeImageStore{})
	job := testJob(5*time.Second, time.Second)
	job.Actions[0].Children[0].Parameters["step"] = "teleport"
	createJob(t, store, job)

	if status := exec.Run(context.Background(), job, testDevice()); status != types.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	deploy := resultFor(t, store, job.ID, "deploy-image")
	if deploy.ErrorKind != types.ErrorKindInfrastructure {
		t.Errorf("error kind = %s, want infrastructure", deploy.ErrorKind)
	}
	if !strings.Contains(deploy.Error, "teleport") {
		t.Errorf("error %q does not name the step", deploy.Error)
	}
}

func TestChecksumMismatch(t *testing.T) {
	conn := newScriptConn()
	exec, store, _ := newTestExecutor(t, conn, &fakeImageStore{})
	job := testJob(5*time.Second, time.Second)
	job.Actions[0].Parameters["image_sha256"] = "0000000000000000"
	createJob(t, store, job)

	if status := exec.Run(context.Background(), job, testDevice()); status != types.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	deploy := resultFor(t, store, job.ID, "deploy-image")
	if !strings.Contains(deploy.Error, "checksum mismatch") {
		t.Errorf("error = %q, want checksum mismatch", deploy.Error)
	}
}
