package testhost

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testhost/flags"
	"github.com/ethereum/go-ethereum/log"
)

// parseConfig runs a minimal cli app with the real flags and returns the resulting config
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg    *Config
		cfgErr error
	)
	app := cli.NewApp()
	app.Flags = flags.NewFlags()
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
		return nil
	}
	require.NoError(t, app.Run(append([]string{"op-testhost"}, args...)))
	return cfg, cfgErr
}

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--build-command", "make", "--build-arg", "tests", "--build-arg", "-j4")
	require.NoError(t, err)

	assert.Equal(t, runtime.NumCPU(), cfg.Parallelism)
	assert.False(t, cfg.FilterMode())
	assert.Equal(t, "make", cfg.BuildCommand)
	assert.Equal(t, []string{"tests", "-j4"}, cfg.BuildArgs)
	assert.True(t, cfg.ShowProgress)
	assert.True(t, cfg.UseANSI)
	assert.False(t, cfg.ShowPassed)
	assert.False(t, cfg.HelpMode)
	assert.Equal(t, 30*time.Second, cfg.ProgressInterval)
	assert.True(t, filepath.IsAbs(cfg.TestModulesRoot))
}

func TestNewConfigParallelism(t *testing.T) {
	cfg, err := parseConfig(t, "--test-modules", "bin/*", "--max-parallel-test-modules", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Parallelism)
	assert.True(t, cfg.FilterMode())

	cfg, err = parseConfig(t, "--test-modules", "bin/*", "--max-parallel-test-modules", "0")
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.Parallelism)

	cfg, err = parseConfig(t, "--test-modules", "bin/*", "--max-parallel-test-modules", "abc")
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.Parallelism)

	t.Setenv("OP_TESTHOST_MAX_PARALLEL_TEST_MODULES", "abc")
	cfg, err = parseConfig(t, "--test-modules", "bin/*")
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.Parallelism)

	t.Setenv("OP_TESTHOST_MAX_PARALLEL_TEST_MODULES", " 6 ")
	cfg, err = parseConfig(t, "--test-modules", "bin/*")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Parallelism)
}

func TestNewConfigPassThroughAndHelp(t *testing.T) {
	cfg, err := parseConfig(t, "--test-modules", "bin/*", "--", "--filter", "Category=Fast", "--help")
	require.NoError(t, err)
	assert.True(t, cfg.HelpMode)
	assert.Equal(t, []string{"--filter", "Category=Fast"}, cfg.Args)

	cfg, err = parseConfig(t, "--test-modules", "bin/*", "--", "--filter", "x")
	require.NoError(t, err)
	assert.False(t, cfg.HelpMode)
	assert.Equal(t, []string{"--filter", "x"}, cfg.Args)
}

func TestNewConfigBuiltInOptions(t *testing.T) {
	cfg, err := parseConfig(t, "--build-command", "make", "--no-restore", "--configuration", "Release", "--arch", "arm64")
	require.NoError(t, err)
	assert.True(t, cfg.BuiltIn.NoRestore)
	assert.False(t, cfg.BuiltIn.NoBuild)
	assert.Equal(t, "Release", cfg.BuiltIn.Configuration)
	assert.Equal(t, "arm64", cfg.BuiltIn.Architecture)
}

func TestNewConfigReporterEnvToggles(t *testing.T) {
	t.Setenv("OP_TESTHOST_SHOW_PASSED", "true")
	t.Setenv("OP_TESTHOST_NO_PROGRESS", "true")
	t.Setenv("OP_TESTHOST_NO_ANSI", "true")

	cfg, err := parseConfig(t, "--build-command", "make")
	require.NoError(t, err)
	assert.True(t, cfg.ShowPassed)
	assert.False(t, cfg.ShowProgress)
	assert.False(t, cfg.UseANSI)
}

// TestNewConfigEnvDoesNotLeak parses with env toggles and then without them
func TestNewConfigEnvDoesNotLeak(t *testing.T) {
	t.Run("with env", func(t *testing.T) {
		t.Setenv("OP_TESTHOST_NO_PROGRESS", "true")
		cfg, err := parseConfig(t, "--build-command", "make")
		require.NoError(t, err)
		assert.False(t, cfg.ShowProgress)
	})

	cfg, err := parseConfig(t, "--build-command", "make")
	require.NoError(t, err)
	assert.True(t, cfg.ShowProgress)

	_, err = parseConfig(t, "--build-command", "make", "--progress-interval", "0s")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestNewConfigSettingsFile(t *testing.T) {
	path := writeSettings(t, `
max_parallel_test_modules: 5
test_modules:
  - "bin/*.tests"
test_modules_root: /opt/tests
configuration: Debug
progress_interval: 10s
show_passed: true
env:
  B_VAR: two
  A_VAR: one
`)

	cfg, err := parseConfig(t, "--settings", path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Parallelism)
	assert.Equal(t, []string{"bin/*.tests"}, cfg.TestModules)
	assert.Equal(t, "/opt/tests", cfg.TestModulesRoot)
	assert.Equal(t, "Debug", cfg.BuiltIn.Configuration)
	assert.Equal(t, 10*time.Second, cfg.ProgressInterval)
	assert.True(t, cfg.ShowPassed)
	assert.Equal(t, []string{"A_VAR=one", "B_VAR=two"}, cfg.Env)

	// flags win over the settings file
	cfg, err = parseConfig(t, "--settings", path, "--max-parallel-test-modules", "2", "--test-modules", "other", "--show-passed=false")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.Equal(t, []string{"other"}, cfg.TestModules)
	assert.False(t, cfg.ShowPassed)
}

func TestNewConfigSettingsErrors(t *testing.T) {
	_, err := parseConfig(t, "--settings", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open settings file")

	path := writeSettings(t, "unknown_key: 1\n")
	_, err = parseConfig(t, "--settings", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse settings file")
}

func TestNewConfigValidation(t *testing.T) {
	_, err := parseConfig(t)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	_, err = parseConfig(t, "--test-modules", "bin/*", "--build-command", "make")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "mutually exclusive")

	_, err = parseConfig(t, "--build-command", "make", "--progress-interval", "0s")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	_, err = parseConfig(t, "--build-command", "make", "--progress-interval", "0s", "--no-progress")
	require.NoError(t, err)
}
