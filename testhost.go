package testhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-testhost/discovery"
	"github.com/ethereum-optimism/infra/op-testhost/exitcodes"
	"github.com/ethereum-optimism/infra/op-testhost/flags"
	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum-optimism/infra/op-testhost/registry"
	"github.com/ethereum-optimism/infra/op-testhost/reporting"
	"github.com/ethereum-optimism/infra/op-testhost/runner"
	"github.com/ethereum-optimism/infra/op-testhost/service"
	"github.com/ethereum-optimism/infra/op-testhost/testapp"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum/go-ethereum/log"
)

// TestHost implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &TestHost{}

// TestHost runs every discovered test application once and reports the aggregated verdict.
type TestHost struct {
	config  *Config
	version string
	out     io.Writer
	tracer  trace.Tracer
	svc     *service.Service

	mu       sync.Mutex
	runID    string
	reporter *reporting.Reporter
	exitCode int

	stopped  atomic.Bool
	closeApp context.CancelCauseFunc
}

func New(ctx context.Context, config *Config, version string, closeApp context.CancelCauseFunc) (*TestHost, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		config.Log = log.New()
	}
	if closeApp == nil {
		closeApp = func(error) {}
	}

	config.Log.Debug("Creating test host with config",
		"parallelism", config.Parallelism,
		"filterMode", config.FilterMode(),
		"testModules", config.TestModules,
		"buildCommand", config.BuildCommand,
		"helpMode", config.HelpMode)

	return &TestHost{
		config:   config,
		version:  version,
		out:      os.Stdout,
		tracer:   otel.Tracer("test host"),
		closeApp: closeApp,
	}, nil
}

// SetOutput redirects the human readable report
func (h *TestHost) SetOutput(w io.Writer) {
	h.out = w
}

// Start runs the test applications once.
// Start implements the cliapp.Lifecycle interface.
func (h *TestHost) Start(ctx context.Context) error {
	if h.config.Metrics.Enabled {
		cfg := service.DefaultConfig()
		cfg.MetricsAddr = service.MetricsAddr(h.config.Metrics.ListenAddr, h.config.Metrics.ListenPort)
		h.svc = service.New(h.config.Log, cfg)
		h.svc.Start(ctx)
	}

	code := h.Run(ctx)
	switch code {
	case exitcodes.Success:
		h.config.Log.Info("Test run completed, exiting")
		go func() {
			h.closeApp(nil)
		}()
		return nil
	case exitcodes.RuntimeErr:
		return NewRuntimeError(fmt.Errorf("test host could not complete run %s", h.RunID()))
	default:
		return NewTestFailureError(fmt.Sprintf("run %s failed", h.RunID()))
	}
}

// Stop stops the test host.
// Stop implements the cliapp.Lifecycle interface.
func (h *TestHost) Stop(ctx context.Context) error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	h.config.Log.Info("Stopping op-testhost")
	if h.svc != nil {
		h.svc.Shutdown()
	}
	h.config.Log.Info("op-testhost stopped")
	return nil
}

// Stopped returns true if the test host has been stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (h *TestHost) Stopped() bool {
	return h.stopped.Load()
}

// RunID returns the id of the last run
func (h *TestHost) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// Reporter returns the reporter of the last run
func (h *TestHost) Reporter() *reporting.Reporter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reporter
}

// ExitCode returns the exit code of the last run
func (h *TestHost) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Run discovers and runs every test application, and returns the process exit code.
// All launched applications have exited and been disposed when it returns.
func (h *TestHost) Run(ctx context.Context) int {
	runID := uuid.New().String()
	logger := h.config.Log.New("run_id", runID)
	start := time.Now()

	reporter := reporting.NewReporter(logger, h.out, reporting.Options{
		ShowPassedTests:  h.config.ShowPassed,
		ShowProgress:     h.config.ShowProgress,
		UseANSI:          h.config.UseANSI,
		ProgressInterval: h.config.ProgressInterval,
		RunID:            runID,
	})
	h.mu.Lock()
	h.runID = runID
	h.reporter = reporter
	h.mu.Unlock()

	code := h.run(ctx, logger, runID, reporter)
	metrics.RecordRun(runID, code != exitcodes.Success, time.Since(start))

	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	return code
}

func (h *TestHost) run(ctx context.Context, logger log.Logger, runID string, reporter *reporting.Reporter) int {
	cfg := h.config

	if cfg.BuiltIn.Architecture != "" {
		logger.Error("The --arch option is not supported", "arch", cfg.BuiltIn.Architecture)
		return exitcodes.GenericFailure
	}

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("run %s", runID))
	defer span.End()

	logger.Info("Starting test run", "parallelism", cfg.Parallelism, "filterMode", cfg.FilterMode(), "helpMode", cfg.HelpMode)
	reporter.TestExecutionStarted(time.Now(), cfg.Parallelism)

	dir, err := os.MkdirTemp("", "op-testhost-")
	if err != nil {
		logger.Error("Failed to create temp directory", "err", err)
		metrics.RecordErrorDetails("temp_dir", err)
		reporter.TestExecutionCompleted(time.Now())
		return exitcodes.RuntimeErr
	}
	defer os.RemoveAll(dir)

	// Applications are cancelled when discovery aborts
	appCtx, cancelApps := context.WithCancel(ctx)
	defer cancelApps()

	arena := testapp.NewArena(logger)
	w := &worker{
		log:    logger,
		runID:  runID,
		tracer: h.tracer,
		arena:  arena,
		consumer: &reporting.Consumer{
			Log:      logger,
			Registry: registry.New(logger),
			Reporter: reporter,
			HelpMode: cfg.HelpMode,
			RunID:    runID,
		},
		opts: testapp.RunOptions{
			FilterMode: cfg.FilterMode(),
			EnableHelp: cfg.HelpMode,
			BuiltIn:    cfg.BuiltIn,
			Args:       cfg.Args,
			Env:        cfg.Env,
		},
	}
	queue := runner.NewActionQueue[types.TestModule](appCtx, logger, cfg.Parallelism, w.execute)
	sink := &queueSink{queue: queue}

	listener, err := discovery.NewListener(logger, filepath.Join(dir, "discovery.sock"), sink)
	if err != nil {
		logger.Error("Failed to create discovery listener", "err", err)
		metrics.RecordErrorDetails("discovery_listener", err)
		reporter.TestExecutionCompleted(time.Now())
		return exitcodes.RuntimeErr
	}

	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()
	var g errgroup.Group
	g.Go(func() error {
		return listener.Run(listenCtx)
	})

	discovered := h.discover(ctx, logger, listener, sink)
	if !discovered {
		cancelApps()
	}

	queue.EnqueueCompleted()
	queueFailed := queue.WaitAllActions()

	// The listener must be cancelled before it is joined
	cancelListen()
	listenerErr := g.Wait()
	if listenerErr != nil {
		logger.Error("Discovery listener failed", "err", listenerErr)
		metrics.RecordErrorDetails("discovery_listener", listenerErr)
	}

	disposed := arena.DisposeAll()
	if err := listener.Close(); err != nil {
		logger.Warn("Failed to close discovery listener", "err", err)
	}
	logger.Debug("Cleaned up test applications", "disposed", disposed, "created", arena.Len())

	reporter.TestExecutionCompleted(time.Now())

	switch {
	case listenerErr != nil:
		span.RecordError(listenerErr)
		return exitcodes.RuntimeErr
	case !discovered || queueFailed || reporter.Failed():
		logger.Warn("Test run failed", "discovered", discovered, "applicationsFailed", queueFailed)
		return exitcodes.GenericFailure
	default:
		logger.Info("Test run passed", "applications", queue.Enqueued())
		return exitcodes.Success
	}
}

// discover feeds the queue from the filter patterns or the build coordinator.
// It returns false when discovery failed.
func (h *TestHost) discover(ctx context.Context, logger log.Logger, listener *discovery.Listener, sink *queueSink) bool {
	cfg := h.config

	if cfg.FilterMode() {
		resolver := discovery.NewFilterResolver(logger, cfg.TestModulesRoot, cfg.TestModules)
		if !resolver.Run(sink) {
			metrics.RecordDiscoveryFailure("filter")
			return false
		}
		return true
	}

	exitCode, err := discovery.RunBuild(ctx, logger, discovery.BuildConfig{
		Command:    cfg.BuildCommand,
		Args:       cfg.BuildArgs,
		Dir:        cfg.BuildDir,
		SocketPath: listener.SocketPath(),
		Options:    cfg.BuiltIn,
		EnvPrefix:  flags.EnvVarPrefix,
	})
	if err != nil {
		logger.Error("Failed to run build command", "err", err)
		metrics.RecordDiscoveryFailure("build")
		return false
	}
	if err := listener.WaitIdle(ctx); err != nil {
		logger.Error("Interrupted while waiting for module reports", "err", err)
		metrics.RecordDiscoveryFailure("build")
		return false
	}
	if failed, code := listener.BuildFailed(); failed {
		logger.Error("Build coordinator reported a failure", "exitCode", code)
		metrics.RecordDiscoveryFailure("build")
		return false
	}
	if exitCode != 0 {
		metrics.RecordDiscoveryFailure("build")
		return false
	}
	logger.Info("Build completed", "modules", listener.Modules())
	return true
}

// queueSink enqueues every discovered module
type queueSink struct {
	queue *runner.ActionQueue[types.TestModule]
}

func (s *queueSink) AddModule(m types.TestModule) error {
	return s.queue.Enqueue(m)
}

func (s *queueSink) CompleteModules() {
	s.queue.EnqueueCompleted()
}
