package testhost

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/discovery"
	"github.com/ethereum-optimism/infra/op-testhost/exitcodes"
	"github.com/ethereum-optimism/infra/op-testhost/reporting"
	"github.com/ethereum-optimism/infra/op-testhost/testapp/fakeapp"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
)

const (
	fakeBuildArg        = "fake-build"
	envFakeBuildModules = "OP_TESTHOST_FAKEBUILD_MODULES"
	envFakeBuildExit    = "OP_TESTHOST_FAKEBUILD_EXIT"
	envFakeBuildReport  = "OP_TESTHOST_FAKEBUILD_REPORT_FAILURE"
)

// TestMain lets the test binary act as a build command or as a fake test application.
// Both inherit the test environment, so the build is selected by its first argument.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == fakeBuildArg {
		os.Exit(fakeBuild())
	}
	fakeapp.RunIfRequested()
	os.Exit(m.Run())
}

func fakeBuild() int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	socket := os.Getenv(discovery.EnvPipe)
	if v := os.Getenv(envFakeBuildModules); v != "" {
		var modules []types.TestModule
		for _, p := range strings.Split(v, ",") {
			modules = append(modules, types.TestModule{Path: p})
		}
		if err := discovery.ReportModules(ctx, socket, modules...); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if os.Getenv(envFakeBuildReport) == "1" {
		if err := discovery.ReportBuildFailure(ctx, socket, 5, "restore failed"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	code, _ := strconv.Atoi(os.Getenv(envFakeBuildExit))
	return code
}

// installApps creates fake applications named after their scenario in a fresh directory
func installApps(t *testing.T, apps map[string]fakeapp.Scenario) (string, map[string]string) {
	t.Helper()
	fakeapp.Enable(t)
	dir := t.TempDir()
	paths := make(map[string]string, len(apps))
	for name, scenario := range apps {
		path, err := fakeapp.Install(dir, name, scenario)
		require.NoError(t, err)
		paths[name] = path
	}
	return dir, paths
}

func newTestConfig(t *testing.T, parallelism int) *Config {
	return &Config{
		Parallelism: parallelism,
		Log:         testlog.Logger(t, log.LevelInfo),
	}
}

func runHost(t *testing.T, cfg *Config) (int, *TestHost) {
	t.Helper()
	h, err := New(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	h.SetOutput(io.Discard)

	done := make(chan int, 1)
	go func() { done <- h.Run(context.Background()) }()
	select {
	case code := <-done:
		return code, h
	case <-time.After(30 * time.Second):
		t.Fatal("test run did not complete")
		return 0, nil
	}
}

func recordsOf(h *TestHost, kind reporting.RecordKind) []reporting.Record {
	var out []reporting.Record
	for _, r := range h.Reporter().Records() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func TestRunMixedApplications(t *testing.T) {
	dir, paths := installApps(t, map[string]fakeapp.Scenario{
		"A": fakeapp.ScenarioPass,
		"B": fakeapp.ScenarioFail,
		"C": fakeapp.ScenarioEmpty,
	})
	cfg := newTestConfig(t, 2)
	cfg.TestModules = []string{filepath.Join(dir, "*")}
	cfg.TestModulesRoot = dir

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
	assert.Equal(t, code, h.ExitCode())
	assert.NotEmpty(t, h.RunID())

	assert.Len(t, recordsOf(h, reporting.RecordAssemblyRunStarted), 3)
	assert.Len(t, recordsOf(h, reporting.RecordAssemblyRunCompleted), 3)
	assert.Empty(t, recordsOf(h, reporting.RecordProtocolError))

	var failed []reporting.Record
	for _, r := range recordsOf(h, reporting.RecordTestCompleted) {
		if r.Result.Outcome == types.TestOutcomeFailed {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, paths["B"], failed[0].Info.ModulePath)
	assert.Equal(t, "x64", failed[0].Info.Architecture)
	assert.Equal(t, "net8.0", failed[0].Info.TargetFramework)

	records := h.Reporter().Records()
	assert.Equal(t, reporting.RecordTestExecutionStarted, records[0].Kind)
	assert.Equal(t, 2, records[0].Parallelism)
	assert.Equal(t, reporting.RecordTestExecutionCompleted, records[len(records)-1].Kind)

	st := h.Reporter().State()
	assert.Equal(t, 1, st.TotalPassed())
	assert.Equal(t, 1, st.TotalFailed())
}

func TestRunAllPassing(t *testing.T) {
	dir, _ := installApps(t, map[string]fakeapp.Scenario{
		"A": fakeapp.ScenarioPass,
		"B": fakeapp.ScenarioSlow,
		"C": fakeapp.ScenarioEmpty,
		"D": fakeapp.ScenarioFull,
	})
	cfg := newTestConfig(t, 1)
	cfg.TestModules = []string{"*"}
	cfg.TestModulesRoot = dir

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.Success, code)
	assert.Len(t, recordsOf(h, reporting.RecordAssemblyRunCompleted), 4)
	assert.False(t, h.Reporter().Failed())
}

func TestRunInvalidFilterLaunchesNothing(t *testing.T) {
	dir, _ := installApps(t, map[string]fakeapp.Scenario{"A": fakeapp.ScenarioPass})
	cfg := newTestConfig(t, 2)
	cfg.TestModules = []string{"A.pass", "missing"}
	cfg.TestModulesRoot = dir

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
	assert.Equal(t, []reporting.RecordKind{
		reporting.RecordTestExecutionStarted,
		reporting.RecordTestExecutionCompleted,
	}, kindsOf(h.Reporter().Records()))
}

func TestRunHelpOnly(t *testing.T) {
	dir, _ := installApps(t, map[string]fakeapp.Scenario{"A": fakeapp.ScenarioHelp})
	cfg := newTestConfig(t, 4)
	cfg.TestModules = []string{"*"}
	cfg.TestModulesRoot = dir
	cfg.HelpMode = true

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.Success, code)

	help := recordsOf(h, reporting.RecordHelpReceived)
	require.Len(t, help, 1)
	assert.Equal(t, "A", help[0].Help.Module)
	assert.Empty(t, recordsOf(h, reporting.RecordTestCompleted))
	assert.Empty(t, recordsOf(h, reporting.RecordAssemblyRunStarted))
	assert.Empty(t, recordsOf(h, reporting.RecordAssemblyRunCompleted))
}

func TestRunApplicationWithoutHandshake(t *testing.T) {
	dir, _ := installApps(t, map[string]fakeapp.Scenario{
		"A": fakeapp.ScenarioPass,
		"B": fakeapp.ScenarioNoHandshake,
	})
	cfg := newTestConfig(t, 2)
	cfg.TestModules = []string{"*"}
	cfg.TestModulesRoot = dir

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
	assert.Len(t, recordsOf(h, reporting.RecordAssemblyRunCompleted), 1)
	assert.Len(t, recordsOf(h, reporting.RecordProtocolError), 1)
}

func TestRunRejectsArchitecture(t *testing.T) {
	dir, _ := installApps(t, map[string]fakeapp.Scenario{"A": fakeapp.ScenarioPass})
	cfg := newTestConfig(t, 1)
	cfg.TestModules = []string{"*"}
	cfg.TestModulesRoot = dir
	cfg.BuiltIn.Architecture = "arm64"

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
	assert.Empty(t, h.Reporter().Records())
}

func buildConfig(t *testing.T, modules []string, exit int, reportFailure bool) *Config {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	t.Setenv(envFakeBuildModules, strings.Join(modules, ","))
	t.Setenv(envFakeBuildExit, strconv.Itoa(exit))
	if reportFailure {
		t.Setenv(envFakeBuildReport, "1")
	} else {
		t.Setenv(envFakeBuildReport, "0")
	}

	cfg := newTestConfig(t, 2)
	cfg.BuildCommand = self
	cfg.BuildArgs = []string{fakeBuildArg}
	return cfg
}

func TestRunBuildDiscoversModules(t *testing.T) {
	_, paths := installApps(t, map[string]fakeapp.Scenario{
		"A": fakeapp.ScenarioPass,
		"C": fakeapp.ScenarioEmpty,
	})
	cfg := buildConfig(t, []string{paths["A"], paths["C"]}, 0, false)

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.Success, code)
	assert.Len(t, recordsOf(h, reporting.RecordAssemblyRunStarted), 2)
	assert.Len(t, recordsOf(h, reporting.RecordAssemblyRunCompleted), 2)
}

func TestRunBuildWithoutModules(t *testing.T) {
	cfg := buildConfig(t, nil, 0, false)

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.Success, code)
	assert.Equal(t, []reporting.RecordKind{
		reporting.RecordTestExecutionStarted,
		reporting.RecordTestExecutionCompleted,
	}, kindsOf(h.Reporter().Records()))
}

func TestRunBuildFailure(t *testing.T) {
	cfg := buildConfig(t, nil, 3, false)

	code, h := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
	assert.Empty(t, recordsOf(h, reporting.RecordAssemblyRunStarted))
}

func TestRunBuildReportsFailure(t *testing.T) {
	cfg := buildConfig(t, nil, 0, true)

	code, _ := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
}

func TestRunBuildCommandMissing(t *testing.T) {
	cfg := newTestConfig(t, 1)
	cfg.BuildCommand = filepath.Join(t.TempDir(), "does-not-exist")

	code, _ := runHost(t, cfg)
	assert.Equal(t, exitcodes.GenericFailure, code)
}

func TestLifecycle(t *testing.T) {
	t.Run("success closes the app", func(t *testing.T) {
		dir, _ := installApps(t, map[string]fakeapp.Scenario{"A": fakeapp.ScenarioPass})
		cfg := newTestConfig(t, 1)
		cfg.TestModules = []string{"*"}
		cfg.TestModulesRoot = dir

		closed := make(chan error, 1)
		h, err := New(context.Background(), cfg, "test", func(err error) { closed <- err })
		require.NoError(t, err)
		h.SetOutput(io.Discard)

		require.NoError(t, h.Start(context.Background()))
		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("app was not closed")
		}

		assert.False(t, h.Stopped())
		require.NoError(t, h.Stop(context.Background()))
		require.NoError(t, h.Stop(context.Background()))
		assert.True(t, h.Stopped())
	})

	t.Run("failure returns a test failure error", func(t *testing.T) {
		dir, _ := installApps(t, map[string]fakeapp.Scenario{"B": fakeapp.ScenarioFail})
		cfg := newTestConfig(t, 1)
		cfg.TestModules = []string{"*"}
		cfg.TestModulesRoot = dir

		h, err := New(context.Background(), cfg, "test", nil)
		require.NoError(t, err)
		h.SetOutput(io.Discard)

		err = h.Start(context.Background())
		require.Error(t, err)
		assert.True(t, IsTestFailureError(err))
		assert.Contains(t, err.Error(), h.RunID())
	})
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", nil)
	require.Error(t, err)
}

func kindsOf(records []reporting.Record) []reporting.RecordKind {
	out := make([]reporting.RecordKind, 0, len(records))
	for _, r := range records {
		out = append(out, r.Kind)
	}
	return out
}
