package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// BuildConfig describes the external build command that discovers test modules
type BuildConfig struct {
	Command    string
	Args       []string
	Dir        string
	SocketPath string
	Options    types.BuiltInOptions
	EnvPrefix  string
}

// RunBuild runs the build command with the socket path in its environment and
// returns its exit code. Build output is forwarded to the logger line by line.
// err is only set when the command could not be run at all.
func RunBuild(ctx context.Context, logger log.Logger, cfg BuildConfig) (int, error) {
	if cfg.Command == "" {
		return -1, errors.New("build command cannot be empty")
	}
	if logger == nil {
		logger = log.New()
	}
	logger = logger.New("component", "build")

	prefix := cfg.EnvPrefix
	if prefix == "" {
		prefix = "OP_TESTHOST"
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", EnvPipe, cfg.SocketPath))
	cmd.Env = append(cmd.Env, cfg.Options.Env(prefix)...)

	stdout := &logWriter{log: logger, stream: "stdout"}
	stderr := &logWriter{log: logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Info("Running build command", "command", cfg.Command, "args", cfg.Args, "dir", cfg.Dir)
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("Build command failed", "exitCode", exitErr.ExitCode())
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to run build command %s: %w", cfg.Command, err)
	}
	logger.Info("Build command completed")
	return 0, nil
}

// logWriter forwards complete lines to a logger with ANSI escapes removed
type logWriter struct {
	log    log.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush logs any unterminated trailing line
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *logWriter) emit(line []byte) {
	text := stripansi.Strip(string(bytes.TrimRight(line, "\r")))
	if text == "" {
		return
	}
	w.log.Info(text, "stream", w.stream)
}
