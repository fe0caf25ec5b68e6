package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devicelab/conductor/pkg/types"
)

// artifactKeys are the parameter names that name fetchable artifacts on a
// deploy action.
var artifactKeys = []string{"kernel", "ramdisk", "dtb", "rootfs", "image", "modules"}

// runStep dispatches one expanded child action. Children carry only their
// step name; parameters come from the parent.
func (e *Executor) runStep(ctx context.Context, env *runEnv, child, parent *types.Action) ([]types.TestCase, error) {
	step := child.Parameters["step"]
	switch step {
	case "download":
		return nil, e.stepDownload(ctx, env, parent)
	case "checksum":
		return nil, e.stepChecksum(env, parent)
	case "stage-tftp":
		return nil, e.stepStageTFTP(ctx, env)
	case "extract-rootfs":
		return nil, e.stepExtractRootfs(ctx, env)
	case "write-image":
		return nil, e.deviceCommand(ctx, env, "write_image")
	case "write-usb":
		return nil, e.deviceCommand(ctx, env, "write_usb")
	case "flash":
		return nil, e.deviceCommand(ctx, env, "flash")
	case "connect":
		return nil, e.stepConnect(ctx, env)
	case "power-on":
		return nil, e.deviceCommand(ctx, env, "power_on")
	case "power-off":
		return nil, e.stepPowerOff(ctx, env)
	case "bootloader-commands":
		return nil, e.stepBootloaderCommands(ctx, env, parent)
	case "auto-login":
		return nil, e.stepAutoLogin(ctx, env, parent)
	case "wait-for-prompt":
		return nil, e.stepWaitForPrompt(ctx, env, parent)
	case "run-tests":
		return e.stepRunTests(ctx, env, parent)
	case "monitor-output":
		return e.stepMonitorOutput(ctx, env)
	case "release-connection":
		return nil, e.stepReleaseConnection(env)
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}
}

// stepDownload fetches every artifact the deploy action names and records
// its local path and checksum in the job context for later actions.
func (e *Executor) stepDownload(ctx context.Context, env *runEnv, parent *types.Action) error {
	for _, key := range artifactKeys {
		ref, ok := parent.Parameters[key]
		if !ok || ref == "" {
			continue
		}
		resolved, err := env.jctx.Resolve(ref)
		if err != nil {
			return err
		}
		art, err := e.images.Fetch(ctx, resolved)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		if err := env.jctx.Set(key, art.Path); err != nil {
			return err
		}
		if err := env.jctx.Set(key+"_checksum", art.SHA256); err != nil {
			return err
		}
		e.logger.Debug("artifact staged",
			"job_id", env.job.ID, "artifact", key, "path", art.Path, "sha256", art.SHA256)
	}
	return nil
}

// stepChecksum verifies declared digests against what download computed.
// Parameters of the form <artifact>_sha256 pin an artifact's digest.
func (e *Executor) stepChecksum(env *runEnv, parent *types.Action) error {
	for _, key := range artifactKeys {
		want, ok := parent.Parameters[key+"_sha256"]
		if !ok || want == "" {
			continue
		}
		got, ok := env.jctx.Get(key + "_checksum")
		if !ok {
			return fmt.Errorf("checksum declared for %s but artifact was not downloaded", key)
		}
		if !strings.EqualFold(want, got) {
			return fmt.Errorf("checksum mismatch for %s: want %s, got %s", key, want, got)
		}
	}
	return nil
}

// stepStageTFTP places fetched artifacts where the device's TFTP server
// expects them and publishes the serving coordinates for later boot
// actions.
func (e *Executor) stepStageTFTP(ctx context.Context, env *runEnv) error {
	if err := e.deviceCommand(ctx, env, "stage_tftp"); err != nil {
		return err
	}
	return e.publishNFS(env)
}

// stepExtractRootfs unpacks the rootfs for NFS export and publishes the
// export coordinates.
func (e *Executor) stepExtractRootfs(ctx context.Context, env *runEnv) error {
	if err := e.deviceCommand(ctx, env, "extract_rootfs"); err != nil {
		return err
	}
	return e.publishNFS(env)
}

func (e *Executor) publishNFS(env *runEnv) error {
	if ip := env.device.Console["nfs_server_ip"]; ip != "" {
		if err := env.jctx.Set("NFS_SERVER_IP", ip); err != nil {
			return err
		}
	}
	if path, ok := env.jctx.Get("rootfs"); ok {
		if err := env.jctx.Set("NFS_ROOTFS", path); err != nil {
			return err
		}
	}
	return nil
}

// stepConnect opens the device console, retrying up to the configured
// bound. An already-open connection is reused.
func (e *Executor) stepConnect(ctx context.Context, env *runEnv) error {
	if env.conn != nil {
		return nil
	}
	cmd := env.device.Console["connect"]
	if cmd == "" {
		return fmt.Errorf("device %s has no connect command", env.device.ID)
	}
	var lastErr error
	attempts := e.cfg.ConnectionRetries + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := e.connect(ctx, cmd)
		if err == nil {
			env.conn = conn
			return nil
		}
		lastErr = err
		e.logger.Warn("console connect failed",
			"job_id", env.job.ID, "attempt", i+1, "error", err)
	}
	return fmt.Errorf("connect after %d attempts: %w", attempts, lastErr)
}

func (e *Executor) stepPowerOff(ctx context.Context, env *runEnv) error {
	if env.device.Console["power_off"] == "" {
		return nil
	}
	return e.deviceCommand(ctx, env, "power_off")
}

// stepBootloaderCommands interrupts the bootloader and feeds it the
// action's command list, resolving deferred placeholders against the job
// context at send time.
func (e *Executor) stepBootloaderCommands(ctx context.Context, env *runEnv, parent *types.Action) error {
	if env.conn == nil {
		return fmt.Errorf("bootloader-commands: no console connection")
	}
	if interrupt := parent.Parameters["interrupt_prompt"]; interrupt != "" {
		if _, err := env.conn.Expect(ctx, interrupt); err != nil {
			return fmt.Errorf("wait for bootloader: %w", err)
		}
		if err := env.conn.Send(ctx, ""); err != nil {
			return err
		}
	}
	raw := parent.Parameters["commands"]
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		resolved, err := env.jctx.Resolve(line)
		if err != nil {
			return err
		}
		if err := env.conn.Send(ctx, resolved); err != nil {
			return err
		}
	}
	return nil
}

// stepAutoLogin drives the login prompt with a bounded number of attempts,
// each under its own timeout.
func (e *Executor) stepAutoLogin(ctx context.Context, env *runEnv, parent *types.Action) error {
	if env.conn == nil {
		return fmt.Errorf("auto-login: no console connection")
	}
	loginPrompt := paramOr(parent, "login_prompt", "login:")
	username := paramOr(parent, "username", "root")

	var lastErr error
	attempts := e.cfg.LoginRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.LoginRetryTimeout)
		err := e.loginOnce(attemptCtx, env, parent, loginPrompt, username)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Warn("login attempt failed",
			"job_id", env.job.ID, "attempt", i+1, "error", err)
	}
	return fmt.Errorf("auto-login after %d attempts: %w", attempts, lastErr)
}

func (e *Executor) loginOnce(ctx context.Context, env *runEnv, parent *types.Action, loginPrompt, username string) error {
	if _, err := env.conn.Expect(ctx, loginPrompt); err != nil {
		return err
	}
	if err := env.conn.Send(ctx, username); err != nil {
		return err
	}
	if pwPrompt := parent.Parameters["password_prompt"]; pwPrompt != "" {
		if _, err := env.conn.Expect(ctx, pwPrompt); err != nil {
			return err
		}
		if err := env.conn.Send(ctx, parent.Parameters["password"]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) stepWaitForPrompt(ctx context.Context, env *runEnv, parent *types.Action) error {
	if env.conn == nil {
		return fmt.Errorf("wait-for-prompt: no console connection")
	}
	prompt := paramOr(parent, "prompt", "#")
	_, err := env.conn.Expect(ctx, prompt)
	return err
}

// stepRunTests sends the test command and parses structured result markers
// from the console stream. A dropped connection is retried up to the
// configured bound; cases parsed before the drop are preserved either way.
func (e *Executor) stepRunTests(ctx context.Context, env *runEnv, parent *types.Action) ([]types.TestCase, error) {
	if env.conn == nil {
		return nil, fmt.Errorf("run-tests: no console connection")
	}
	command := parent.Parameters["command"]
	if command == "" {
		if def := parent.Parameters["definition"]; def != "" {
			command = "test-runner " + def
		}
	}
	if command != "" {
		resolved, err := env.jctx.Resolve(command)
		if err != nil {
			return nil, err
		}
		if err := env.conn.Send(ctx, resolved); err != nil {
			return nil, err
		}
	}
	return e.collectMarkers(ctx, env)
}

// stepMonitorOutput parses markers from output the device emits on its own,
// without sending a command first.
func (e *Executor) stepMonitorOutput(ctx context.Context, env *runEnv) ([]types.TestCase, error) {
	if env.conn == nil {
		return nil, fmt.Errorf("monitor-output: no console connection")
	}
	return e.collectMarkers(ctx, env)
}

func (e *Executor) collectMarkers(ctx context.Context, env *runEnv) ([]types.TestCase, error) {
	parser := &markerParser{}
	reconnects := 0
	for {
		line, err := env.conn.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, ErrConnectionLost) && reconnects < e.cfg.ConnectionRetries {
				reconnects++
				e.logger.Warn("console dropped during tests, reconnecting",
					"job_id", env.job.ID, "attempt", reconnects)
				env.conn.Close()
				env.conn = nil
				if cerr := e.stepConnect(ctx, env); cerr != nil {
					return parser.Cases(), cerr
				}
				continue
			}
			// Truncated output still yields the cases parsed so far.
			return parser.Cases(), err
		}
		e.emitEvent(ctx, env.job.ID, types.EventTypeLog, "", map[string]string{"line": line})
		if done := parser.Feed(line); done {
			return parser.Cases(), nil
		}
	}
}

func (e *Executor) stepReleaseConnection(env *runEnv) error {
	if env.conn == nil {
		return nil
	}
	err := env.conn.Close()
	env.conn = nil
	return err
}

// deviceCommand runs one of the device's out-of-band management commands,
// with deferred placeholders resolved from the job context.
func (e *Executor) deviceCommand(ctx context.Context, env *runEnv, name string) error {
	cmd := env.device.Console[name]
	if cmd == "" {
		return fmt.Errorf("device %s has no %s command", env.device.ID, name)
	}
	resolved, err := env.jctx.Resolve(cmd)
	if err != nil {
		return err
	}
	if err := e.runner.Run(ctx, resolved); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func paramOr(a *types.Action, key, fallback string) string {
	if v := a.Parameters[key]; v != "" {
		return v
	}
	return fallback
}
