package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// ErrConnectionLost is surfaced when a console connection drops during boot
// or test execution. The executor retries up to its configured bound before
// failing the action.
var ErrConnectionLost = errors.New("connection lost")

// Connection is a line-oriented console attached to a device, typically a
// serial port exposed through ser2net or a QEMU monitor. All calls honour
// context cancellation so job and action deadlines cut through blocking I/O.
type Connection interface {
	// Send writes one line to the device.
	Send(ctx context.Context, line string) error

	// Expect reads lines until one contains the given pattern, returning
	// the matching line. A closed console yields ErrConnectionLost.
	Expect(ctx context.Context, pattern string) (string, error)

	// ReadLine returns the next line of output.
	ReadLine(ctx context.Context) (string, error)

	Close() error
}

// ConnectFunc opens a console for a device. The executor calls it from the
// boot pipeline's connect step.
type ConnectFunc func(ctx context.Context, command string) (Connection, error)

// commandConnection drives a console subprocess (e.g. `telnet ser2net 5001`
// or `ssh worker console bbb-01`), line-buffered in both directions.
type commandConnection struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	errCh  chan error
	closed sync.Once
}

// DialCommand starts the console command and returns a Connection over its
// stdio.
func DialCommand(ctx context.Context, command string) (Connection, error) {
	if command == "" {
		return nil, fmt.Errorf("no console command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start console %q: %w", command, err)
	}

	c := &commandConnection{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
		errCh: make(chan error, 1),
	}
	go c.readLoop(stdout)
	return c, nil
}

func (c *commandConnection) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		c.errCh <- err
	}
	close(c.lines)
}

func (c *commandConnection) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := io.WriteString(c.stdin, line+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (c *commandConnection) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", ErrConnectionLost
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *commandConnection) Expect(ctx context.Context, pattern string) (string, error) {
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

func (c *commandConnection) Close() error {
	var err error
	c.closed.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		err = c.cmd.Wait()
	})
	return err
}

// CommandRunner executes device management commands (power control, image
// staging) declared in the device dictionary.
type CommandRunner interface {
	Run(ctx context.Context, command string) error
}

// ShellRunner runs commands through the shell.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, command string) error {
	if command == "" {
		return nil
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q: %w: %s", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}
