// Package worker launches and tracks the external worker process. The worker
// is opaque: tether hands it an instruction, watches its output for liveness,
// and learns about completion from its exit status or a done-signal file in
// the session's status directory.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrNoCommand is returned when no worker command is configured.
var ErrNoCommand = errors.New("worker: no command configured")

// LaunchRequest carries one task into a new worker process.
type LaunchRequest struct {
	SessionID   string
	Instruction string
	Channel     string
	ChatID      string

	// ContextJSON is the consumed crash/interrupt marker surfaced as
	// structured context, not re-delivered as a user message. May be nil.
	ContextJSON []byte
}

// ExitResult is how a worker process ended.
type ExitResult struct {
	Code int
	Err  error
}

// Handle tracks a launched worker process.
type Handle interface {
	// PID returns the worker's process id.
	PID() int

	// Done is closed-with-value when the process exits.
	Done() <-chan ExitResult

	// Output streams the worker's combined stdout/stderr lines. Closed on exit.
	Output() <-chan string

	// Signal sends sig to the worker process.
	Signal(sig syscall.Signal) error

	// StatusDir is the session's status directory (done signal, context file).
	StatusDir() string
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
}

// ExecLauncher launches the configured worker binary via os/exec.
type ExecLauncher struct {
	Command   string
	Args      []string
	InputMode string // "stdin" or "arg"
	BaseDir   string // sessions root; each launch gets BaseDir/<session_id>

	// KillGrace is how long a canceled worker gets between SIGTERM and the
	// forced kill. Zero means 3 seconds.
	KillGrace time.Duration
}

// Launch starts the worker for one task. The instruction reaches the worker
// on stdin or as the final argument per InputMode; the session's status dir
// and ids are exported in the environment.
func (l *ExecLauncher) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, ErrNoCommand
	}

	statusDir := filepath.Join(l.BaseDir, req.SessionID)
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	if len(req.ContextJSON) > 0 {
		if err := os.WriteFile(filepath.Join(statusDir, "context.json"), req.ContextJSON, 0o644); err != nil {
			return nil, fmt.Errorf("write context: %w", err)
		}
	}

	args := append([]string(nil), l.Args...)
	if l.InputMode == "arg" {
		args = append(args, req.Instruction)
	}

	cmd := exec.CommandContext(ctx, l.Command, args...)
	// On ctx cancellation (daemon shutdown) the worker's process group gets
	// SIGTERM first; WaitDelay escalates to the hard kill. The default Cancel
	// would SIGKILL the child outright.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = l.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 3 * time.Second
	}
	cmd.Env = append(os.Environ(),
		"TETHER_SESSION_ID="+req.SessionID,
		"TETHER_STATUS_DIR="+statusDir,
		"TETHER_CHANNEL="+req.Channel,
		"TETHER_CHAT_ID="+req.ChatID,
	)
	// The worker gets its own process group so an interrupt can reap the
	// whole tree, not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if l.InputMode != "arg" {
		cmd.Stdin = strings.NewReader(req.Instruction)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &procHandle{
		cmd:       cmd,
		statusDir: statusDir,
		output:    make(chan string, 256),
		done:      make(chan ExitResult, 1),
	}

	lines := make(chan string, 256)
	go scanLines(stdout, lines, h.readerDone())
	go scanLines(stderr, lines, h.readerDone())
	go h.fanIn(lines)
	go h.wait()
	return h, nil
}

type procHandle struct {
	cmd       *exec.Cmd
	statusDir string
	output    chan string
	done      chan ExitResult

	readers int
	reader  chan struct{}
}

func (h *procHandle) readerDone() chan<- struct{} {
	if h.reader == nil {
		h.reader = make(chan struct{}, 2)
	}
	h.readers++
	return h.reader
}

func (h *procHandle) PID() int                { return h.cmd.Process.Pid }
func (h *procHandle) Done() <-chan ExitResult { return h.done }
func (h *procHandle) Output() <-chan string   { return h.output }
func (h *procHandle) StatusDir() string       { return h.statusDir }

func (h *procHandle) Signal(sig syscall.Signal) error {
	// Negative pid signals the whole process group.
	return syscall.Kill(-h.cmd.Process.Pid, sig)
}

// fanIn forwards reader lines to the output channel until both pipe readers
// finish, then closes it.
func (h *procHandle) fanIn(lines <-chan string) {
	remaining := h.readers
	for remaining > 0 {
		select {
		case line := <-lines:
			select {
			case h.output <- line:
			default:
				// Slow consumer: drop rather than stall the worker's pipes.
			}
		case <-h.reader:
			remaining--
		}
	}
	// Drain anything buffered after the readers closed.
	for {
		select {
		case line := <-lines:
			select {
			case h.output <- line:
			default:
			}
		default:
			close(h.output)
			return
		}
	}
}

func (h *procHandle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	h.done <- ExitResult{Code: code, Err: err}
	close(h.done)
}

func scanLines(r io.Reader, lines chan<- string, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	done <- struct{}{}
}
