package testhost

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-testhost/flags"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	Parallelism      int                  // Maximum number of test applications running at once
	TestModules      []string             // Filter patterns; non-empty selects filter mode
	TestModulesRoot  string               // Directory relative patterns are resolved against
	BuildCommand     string               // Build coordinator command used outside filter mode
	BuildArgs        []string             // Arguments of the build command
	BuildDir         string               // Working directory of the build command
	BuiltIn          types.BuiltInOptions // Options forwarded opaquely to the build and every application
	Args             []string             // Pass-through arguments for every application
	Env              []string             // Extra environment for every application (KEY=VALUE)
	HelpMode         bool                 // Ask every application for its options instead of running tests
	ShowPassed       bool
	ShowProgress     bool
	UseANSI          bool
	ProgressInterval time.Duration
	Metrics          opmetrics.CLIConfig
	Log              log.Logger
}

// FilterMode reports whether modules come from filter patterns rather than a build
func (c *Config) FilterMode() bool {
	return len(c.TestModules) > 0
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	if !c.FilterMode() && c.BuildCommand == "" {
		return errors.New("either --test-modules or --build-command is required")
	}
	if c.FilterMode() && c.BuildCommand != "" {
		return errors.New("--test-modules and --build-command are mutually exclusive")
	}
	if c.ShowProgress && c.ProgressInterval <= 0 {
		return fmt.Errorf("progress interval must be positive, got %s", c.ProgressInterval)
	}
	return nil
}

// Settings is the optional YAML settings file. Every field is a default that the
// corresponding flag overrides when set.
type Settings struct {
	MaxParallelTestModules int               `yaml:"max_parallel_test_modules"`
	TestModules            []string          `yaml:"test_modules"`
	TestModulesRoot        string            `yaml:"test_modules_root"`
	BuildCommand           string            `yaml:"build_command"`
	BuildArgs              []string          `yaml:"build_args"`
	BuildDir               string            `yaml:"build_dir"`
	Configuration          string            `yaml:"configuration"`
	Env                    map[string]string `yaml:"env"`
	ShowPassed             bool              `yaml:"show_passed"`
	NoProgress             bool              `yaml:"no_progress"`
	NoANSI                 bool              `yaml:"no_ansi"`
	ProgressInterval       time.Duration     `yaml:"progress_interval"`
}

// LoadSettings reads a settings file; unknown keys are rejected
func LoadSettings(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()

	var s Settings
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return &s, nil
}

// Environ renders the settings environment as sorted KEY=VALUE entries
func (s *Settings) Environ() []string {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// parseParallelism returns 0 for values that are not integers
func parseParallelism(value string, log log.Logger) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		if log != nil {
			log.Warn("Ignoring invalid max parallel test modules, using the number of CPUs", "value", value, "cpus", runtime.NumCPU())
		}
		return 0
	}
	return n
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	settings := &Settings{}
	if path := ctx.String(flags.Settings.Name); path != "" {
		var err error
		settings, err = LoadSettings(path)
		if err != nil {
			return nil, err
		}
	}

	parallelism := settings.MaxParallelTestModules
	if parallelism == 0 || ctx.IsSet(flags.MaxParallelTestModules.Name) {
		parallelism = parseParallelism(ctx.String(flags.MaxParallelTestModules.Name), log)
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	progressInterval := ctx.Duration(flags.ProgressInterval.Name)
	if settings.ProgressInterval > 0 && !ctx.IsSet(flags.ProgressInterval.Name) {
		progressInterval = settings.ProgressInterval
	}

	root := stringOr(ctx, flags.TestModulesRoot.Name, settings.TestModulesRoot)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		root = wd
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for test modules root '%s': %w", root, err)
	}

	args, helpMode := splitHelp(ctx.Args().Slice())

	cfg := &Config{
		Parallelism:     parallelism,
		TestModules:     sliceOr(ctx, flags.TestModules.Name, settings.TestModules),
		TestModulesRoot: absRoot,
		BuildCommand:    stringOr(ctx, flags.BuildCommand.Name, settings.BuildCommand),
		BuildArgs:       sliceOr(ctx, flags.BuildArgs.Name, settings.BuildArgs),
		BuildDir:        stringOr(ctx, flags.BuildDir.Name, settings.BuildDir),
		BuiltIn: types.BuiltInOptions{
			NoRestore:     ctx.Bool(flags.NoRestore.Name),
			NoBuild:       ctx.Bool(flags.NoBuild.Name),
			Configuration: stringOr(ctx, flags.Configuration.Name, settings.Configuration),
			Architecture:  ctx.String(flags.Arch.Name),
		},
		Args:             args,
		Env:              settings.Environ(),
		HelpMode:         helpMode,
		ShowPassed:       boolOr(ctx, flags.ShowPassed.Name, settings.ShowPassed),
		ShowProgress:     !boolOr(ctx, flags.NoProgress.Name, settings.NoProgress),
		UseANSI:          !boolOr(ctx, flags.NoANSI.Name, settings.NoANSI),
		ProgressInterval: progressInterval,
		Metrics:          opmetrics.ReadCLIConfig(ctx),
		Log:              log,
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigError(err)
	}
	return cfg, nil
}

// splitHelp removes help requests from the pass-through arguments; the handle adds its own
func splitHelp(args []string) ([]string, bool) {
	help := slices.ContainsFunc(args, isHelpArg)
	if !help {
		return args, false
	}
	return slices.DeleteFunc(slices.Clone(args), isHelpArg), true
}

func isHelpArg(arg string) bool {
	return arg == "--help" || arg == "-h" || arg == "-?"
}

func stringOr(ctx *cli.Context, name, fallback string) string {
	if ctx.IsSet(name) || fallback == "" {
		return ctx.String(name)
	}
	return fallback
}

func sliceOr(ctx *cli.Context, name string, fallback []string) []string {
	if ctx.IsSet(name) || len(fallback) == 0 {
		return ctx.StringSlice(name)
	}
	return fallback
}

func boolOr(ctx *cli.Context, name string, fallback bool) bool {
	if ctx.IsSet(name) {
		return ctx.Bool(name)
	}
	return fallback
}
