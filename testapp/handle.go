package testapp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shirou/gopsutil/v4/process"
)

// EnvPrefix prefixes every environment variable the host passes to a test application
const EnvPrefix = "OP_TESTHOST"

// EnvFilterMode tells the application whether its module was selected by an explicit filter
const EnvFilterMode = EnvPrefix + "_FILTER_MODE"

const (
	maxFrameSize = 16 * 1024 * 1024
	waitDelay    = 5 * time.Second
)

// ErrAlreadyRun is returned when Run is called on a handle more than once
var ErrAlreadyRun = errors.New("test application already run")

// State is the lifecycle state of a Handle
type State int

const (
	StateCreated State = iota
	StateHandshaking
	StateDiscovering
	StateExecuting
	StateResultsStreaming
	StateHelpRequested
	StateExited
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaking:
		return "handshaking"
	case StateDiscovering:
		return "discovering"
	case StateExecuting:
		return "executing"
	case StateResultsStreaming:
		return "results-streaming"
	case StateHelpRequested:
		return "help-requested"
	case StateExited:
		return "exited"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// RunOptions control how a test application is launched
type RunOptions struct {
	FilterMode bool                 // Module was selected by an explicit filter rather than the build coordinator
	EnableHelp bool                 // Launch in help-enumeration mode
	BuiltIn    types.BuiltInOptions // Forwarded opaquely as environment variables
	Args       []string             // Pass-through arguments appended after the module's own run arguments
	Env        []string             // Extra environment entries
}

// Handle drives a single test application process through the handshake,
// execution and exit phases. Every event is sent on the channel returned by
// Events, which must be drained concurrently with Run.
type Handle struct {
	id     int
	module types.TestModule
	log    log.Logger
	events chan Event

	stdout *outputBuffer
	stderr *outputBuffer

	mu        sync.Mutex
	state     State
	ran       bool
	disposed  bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	handshake bool
	failed    bool
}

// NewHandle creates a handle for module. Handles are normally created through an Arena.
func NewHandle(logger log.Logger, id int, module types.TestModule) *Handle {
	if logger == nil {
		logger = log.New()
	}
	return &Handle{
		id:     id,
		module: module,
		log:    logger.New("component", "testapp", "id", id, "module", filepath.Base(module.Path)),
		events: make(chan Event),
		stdout: newOutputBuffer(defaultMaxOutputLines),
		stderr: newOutputBuffer(defaultMaxOutputLines),
	}
}

// ID returns the stable arena id of the handle
func (h *Handle) ID() int {
	return h.id
}

// Module returns the module this handle runs
func (h *Handle) Module() types.TestModule {
	return h.module
}

// Events returns the channel on which the handle publishes its events.
// The channel is closed after TestProcessExited has been delivered.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDisposed {
		return
	}
	h.log.Debug("State transition", "from", h.state, "to", s)
	h.state = s
}

// Run launches the application, performs the handshake and streams events until
// the process exits. It returns true when the application failed: a non-zero exit,
// any failed test, a launch failure or, outside help mode, a missing handshake.
// TestProcessExited has always been delivered when Run returns.
func (h *Handle) Run(ctx context.Context, opts RunOptions) (bool, error) {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return true, ErrAlreadyRun
	}
	h.ran = true
	h.mu.Unlock()
	defer close(h.events)

	args := h.buildArgs(opts)
	cmd := exec.CommandContext(ctx, h.module.Path, args...)
	cmd.Dir = h.workingDir()
	cmd.Env = h.buildEnv(opts)
	cmd.Stderr = h.stderr
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return h.launchFailed(fmt.Errorf("failed to create stdout pipe: %w", err)), nil
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return h.launchFailed(fmt.Errorf("failed to create stdin pipe: %w", err)), nil
	}

	h.log.Debug("Launching test application", "path", h.module.Path, "args", args, "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		return h.launchFailed(fmt.Errorf("failed to start %s: %w", h.module.Path, err)), nil
	}

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	h.mu.Unlock()

	h.setState(StateHandshaking)
	h.emit(Event{Kind: KindRun})

	h.readFrames(stdout, opts.EnableHelp)
	h.closeStdin()

	exitCode := 0
	if waitErr := cmd.Wait(); waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			h.log.Warn("Failed waiting for test application", "err", waitErr)
			h.stderr.AddLine(waitErr.Error())
			exitCode = -1
		}
	}

	h.mu.Lock()
	failed := h.failed || exitCode != 0 || (!h.handshake && !opts.EnableHelp)
	h.mu.Unlock()

	h.exited(exitCode)
	h.log.Debug("Test application finished", "exitCode", exitCode, "failed", failed)
	return failed, nil
}

// Dispose kills the process if it is still running, terminates any of its
// surviving child processes and releases its pipes. It is safe to call more than once.
func (h *Handle) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return
	}
	h.disposed = true
	h.state = StateDisposed

	if h.stdin != nil {
		_ = h.stdin.Close()
	}
	if h.cmd == nil || h.cmd.Process == nil || h.cmd.ProcessState != nil {
		return
	}

	pid := h.cmd.Process.Pid
	h.log.Warn("Test application still running at disposal, terminating", "pid", pid)
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		terminateChildren(h.log, proc)
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.log.Warn("Failed to kill test application", "pid", pid, "err", err)
	}
}

// terminateChildren sends SIGTERM to every descendant of proc, deepest first
func terminateChildren(logger log.Logger, proc *process.Process) {
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		terminateChildren(logger, child)
		if err := child.Terminate(); err != nil {
			logger.Debug("Failed to terminate child process", "pid", child.Pid, "err", err)
		}
	}
}

func (h *Handle) buildArgs(opts RunOptions) []string {
	args := []string{"--server", "--protocol", "jsonl"}
	if opts.EnableHelp {
		args = append(args, "--help")
	}
	args = append(args, h.module.RunArguments...)
	return append(args, opts.Args...)
}

func (h *Handle) buildEnv(opts RunOptions) []string {
	env := os.Environ()
	env = append(env, opts.BuiltIn.Env(EnvPrefix)...)
	env = append(env, fmt.Sprintf("%s=%t", EnvFilterMode, opts.FilterMode))
	return append(env, opts.Env...)
}

func (h *Handle) workingDir() string {
	if h.module.WorkingDir != "" {
		return h.module.WorkingDir
	}
	return filepath.Dir(h.module.Path)
}

func (h *Handle) launchFailed(err error) bool {
	h.log.Error("Failed to launch test application", "err", err)
	h.stderr.AddLine(err.Error())
	h.exited(-1)
	return true
}

func (h *Handle) exited(exitCode int) {
	h.setState(StateExited)
	h.emit(Event{
		Kind:       KindTestProcessExited,
		ExitCode:   exitCode,
		OutputData: h.stdout.Lines(),
		ErrorData:  h.stderr.Lines(),
	})
}

func (h *Handle) emit(ev Event) {
	ev.HandleID = h.id
	ev.ModulePath = h.module.Path
	h.events <- ev
}

func (h *Handle) closeStdin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin != nil {
		_ = h.stdin.Close()
	}
}

// readFrames consumes the application's stdout until EOF
func (h *Handle) readFrames(r io.Reader, helpMode bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		frame, ok, err := DecodeFrame(line)
		if !ok {
			h.stdout.AddLine(string(line))
			continue
		}
		if err != nil {
			h.log.Debug("Ignoring frame", "err", err)
			continue
		}
		h.handleFrame(frame, helpMode)
	}
	if err := scanner.Err(); err != nil {
		h.log.Warn("Failed reading test application output", "err", err)
		h.stderr.AddLine(err.Error())
		// Drain so the process is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

func (h *Handle) handleFrame(frame Frame, helpMode bool) {
	switch frame.Type {
	case FrameHandshake:
		h.onHandshake(frame, helpMode)
	case FrameExecutionID:
		h.emit(Event{Kind: KindExecutionIDReceived, ExecutionID: frame.ExecutionID})
	case FrameDiscoveredTests:
		h.transition(StateDiscovering, StateHandshaking, StateExecuting)
		h.emit(Event{Kind: KindDiscoveredTestsReceived, ExecutionID: frame.ExecutionID, DiscoveredTests: frame.discoveredTests()})
	case FrameTestResults:
		h.transition(StateResultsStreaming, StateHandshaking, StateExecuting, StateDiscovering)
		ev := Event{Kind: KindTestResultsReceived, ExecutionID: frame.ExecutionID, Results: frame.results()}
		if len(ev.FailedResults()) > 0 {
			h.mu.Lock()
			h.failed = true
			h.mu.Unlock()
		}
		h.emit(ev)
	case FrameFileArtifacts:
		h.emit(Event{Kind: KindFileArtifactsReceived, ExecutionID: frame.ExecutionID, Artifacts: frame.artifacts()})
	case FrameSessionEvent:
		h.emit(Event{Kind: KindSessionEventReceived, ExecutionID: frame.ExecutionID, Session: frame.session()})
	case FrameHelp:
		h.setState(StateHelpRequested)
		h.emit(Event{Kind: KindHelpRequested, Help: frame.help()})
	case FrameError:
		h.emit(Event{Kind: KindErrorReceived, Message: frame.Message})
	}
}

func (h *Handle) onHandshake(frame Frame, helpMode bool) {
	mode := ExecutionModeRun
	if helpMode {
		mode = ExecutionModeHelp
	}
	reply := Frame{
		Type: FrameHandshake,
		Properties: map[string]string{
			PropProtocolVersion: ProtocolVersion,
			PropPID:             strconv.Itoa(os.Getpid()),
			PropHostType:        HostType,
			PropExecutionMode:   mode,
		},
	}

	h.mu.Lock()
	h.handshake = true
	stdin := h.stdin
	h.mu.Unlock()

	if stdin != nil {
		if err := WriteFrame(stdin, reply); err != nil {
			h.log.Debug("Failed to send handshake reply", "err", err)
		}
	}

	if helpMode {
		h.setState(StateHelpRequested)
	} else {
		h.setState(StateExecuting)
	}
	h.emit(Event{
		Kind:        KindHandshakeReceived,
		ExecutionID: frame.Properties[PropExecutionID],
		Properties:  frame.Properties,
	})
}

// transition moves to next if the current state is one of from
func (h *Handle) transition(next State, from ...State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range from {
		if h.state == s {
			h.log.Debug("State transition", "from", h.state, "to", next)
			h.state = next
			return
		}
	}
}
