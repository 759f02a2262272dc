package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/me/queuegate/pkg/model"
)

const (
	execPrefix   = "exec-"
	pidFile      = "pid"
	exitCodeFile = "exit_code"
)

// wrapperScript runs the command and records its exit code next to its
// output, so any process can read the outcome later.
const wrapperScript = `"$@"; code=$?; echo "$code" > "$QUEUEGATE_OUTPUT_DIR/` + exitCodeFile + `"; exit "$code"`

// CommandLauncher runs the training command as a local process per
// execution. It is a Launcher, a StatusChecker and a Canceller.
//
// The command is invoked as argv... <workDir>/<execution>/params.json with
// QUEUEGATE_QUEUE, QUEUEGATE_ENTRY_ID, QUEUEGATE_ATTEMPT and
// QUEUEGATE_OUTPUT_DIR in its environment. Executions started by another
// process are answered from the pid and exit_code files in their directory.
type CommandLauncher struct {
	argv    []string
	workDir string
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

var (
	_ Launcher      = (*CommandLauncher)(nil)
	_ StatusChecker = (*CommandLauncher)(nil)
	_ Canceller     = (*CommandLauncher)(nil)
)

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // set before done is closed
}

// NewCommandLauncher creates a CommandLauncher. If workDir is empty,
// os.TempDir() is used.
func NewCommandLauncher(argv []string, workDir string, logger *slog.Logger) (*CommandLauncher, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command launcher: empty command")
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &CommandLauncher{
		argv:    argv,
		workDir: workDir,
		logger:  logger.With("component", "command-launcher"),
		procs:   make(map[string]*process),
	}, nil
}

// Launch starts the command and returns immediately.
func (l *CommandLauncher) Launch(ctx context.Context, req Request) (Execution, error) {
	bin, err := resolveBinary(l.argv[0])
	if err != nil {
		return Execution{}, fmt.Errorf("start %s: %w", l.argv[0], err)
	}

	name := execPrefix + uuid.New().String()[:8]
	dir := filepath.Join(l.workDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Execution{}, fmt.Errorf("create execution dir: %w", err)
	}

	paramsPath := filepath.Join(dir, "params.json")
	params := req.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := os.WriteFile(paramsPath, params, 0o644); err != nil {
		return Execution{}, fmt.Errorf("write params: %w", err)
	}

	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return Execution{}, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return Execution{}, fmt.Errorf("create stderr log: %w", err)
	}

	args := []string{"-c", wrapperScript, "queuegate-exec", bin}
	args = append(args, l.argv[1:]...)
	args = append(args, paramsPath)
	// Not CommandContext: the execution outlives the tick request.
	cmd := exec.Command("sh", args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"QUEUEGATE_QUEUE="+req.Queue,
		"QUEUEGATE_ENTRY_ID="+strconv.Itoa(req.EntryID),
		"QUEUEGATE_ATTEMPT="+strconv.Itoa(req.Attempt),
		"QUEUEGATE_OUTPUT_DIR="+dir,
	)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return Execution{}, fmt.Errorf("start %s: %w", l.argv[0], err)
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		l.logger.Warn("write pid file", "execution", name, "error", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.procs[name] = p
	l.mu.Unlock()

	go func() {
		p.err = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(p.done)
		l.logger.Info("execution exited", "execution", name, "error", p.err)
	}()

	l.logger.Info("execution started",
		"execution", name,
		"queue", req.Queue,
		"entry_id", req.EntryID,
		"attempt", req.Attempt,
		"pid", pid,
	)
	return Execution{Name: name, OutputPrefix: dir}, nil
}

// Status reports RUNNING until the process exits, then SUCCEEDED (exit 0),
// CANCELLED (killed by a signal) or FAILED. Executions started by another
// process are read back from their directory; anything that cannot be
// accounted for reports ERROR.
func (l *CommandLauncher) Status(ctx context.Context, executionName string) (Status, error) {
	l.mu.Lock()
	p, ok := l.procs[executionName]
	l.mu.Unlock()
	if !ok {
		return l.statusFromDir(executionName), nil
	}

	select {
	case <-p.done:
	default:
		return Status{State: model.JobStatusRunning}, nil
	}

	if p.err == nil {
		return Status{State: model.JobStatusSucceeded}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Status{State: model.JobStatusCancelled, Message: "killed by " + ws.Signal().String()}, nil
		}
		return exitCodeStatus(exitErr.ExitCode()), nil
	}
	return Status{State: model.JobStatusError, Message: p.err.Error()}, nil
}

func (l *CommandLauncher) statusFromDir(name string) Status {
	dir, ok := l.execDir(name)
	if !ok {
		return unknownStatus(name)
	}

	if data, err := os.ReadFile(filepath.Join(dir, exitCodeFile)); err == nil {
		code, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return Status{State: model.JobStatusError, Message: fmt.Sprintf("unreadable exit code %q", data)}
		}
		return exitCodeStatus(code)
	}

	data, err := os.ReadFile(filepath.Join(dir, pidFile))
	if err != nil {
		return unknownStatus(name)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && processAlive(pid) {
		return Status{State: model.JobStatusRunning}
	}
	return Status{State: model.JobStatusError, Message: "process exited without recording an exit code"}
}

// execDir maps an execution name to its directory, rejecting names that
// could escape the work dir.
func (l *CommandLauncher) execDir(name string) (string, bool) {
	if !strings.HasPrefix(name, execPrefix) || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", false
	}
	return filepath.Join(l.workDir, name), true
}

// Cancel kills a running execution and everything it started.
func (l *CommandLauncher) Cancel(executionName string) error {
	l.mu.Lock()
	p, ok := l.procs[executionName]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionName)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func exitCodeStatus(code int) Status {
	if code == 0 {
		return Status{State: model.JobStatusSucceeded}
	}
	return Status{State: model.JobStatusFailed, Message: fmt.Sprintf("exit code %d", code)}
}

func unknownStatus(name string) Status {
	return Status{
		State:   model.JobStatusError,
		Message: fmt.Sprintf("%v: %s", ErrUnknownExecution, name),
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// resolveBinary finds argv[0] now, so a missing binary fails the launch
// instead of the execution.
func resolveBinary(bin string) (string, error) {
	if strings.ContainsRune(bin, filepath.Separator) {
		abs, err := filepath.Abs(bin)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(abs); err != nil {
			return "", err
		}
		return abs, nil
	}
	return exec.LookPath(bin)
}
