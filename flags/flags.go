package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_TESTHOST"

var (
	MaxParallelTestModules = &cli.StringFlag{
		Name:    "max-parallel-test-modules",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_PARALLEL_TEST_MODULES"),
		Usage:   "Maximum number of test applications running at once. Unparseable values or values <= 0 use the number of CPUs.",
	}
	TestModules = &cli.StringSliceFlag{
		Name:    "test-modules",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_MODULES"),
		Usage:   "Glob patterns selecting prebuilt test applications. Skips the build and runs the matches directly.",
	}
	TestModulesRoot = &cli.StringFlag{
		Name:    "test-modules-root",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_MODULES_ROOT"),
		Usage:   "Directory that relative --test-modules patterns are resolved against (default: working directory)",
	}
	BuildCommand = &cli.StringFlag{
		Name:    "build-command",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUILD_COMMAND"),
		Usage:   "Command that builds the test applications and reports them back over the discovery socket",
	}
	BuildArgs = &cli.StringSliceFlag{
		Name:    "build-arg",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUILD_ARGS"),
		Usage:   "Argument passed to the build command (repeatable)",
	}
	BuildDir = &cli.StringFlag{
		Name:    "build-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUILD_DIR"),
		Usage:   "Working directory of the build command",
	}
	NoRestore = &cli.BoolFlag{
		Name:    "no-restore",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_RESTORE"),
		Usage:   "Forwarded to the build and the test applications: skip restoring dependencies",
	}
	NoBuild = &cli.BoolFlag{
		Name:    "no-build",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_BUILD"),
		Usage:   "Forwarded to the build and the test applications: skip building",
	}
	Configuration = &cli.StringFlag{
		Name:    "configuration",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIGURATION"),
		Usage:   "Forwarded build configuration (eg. 'Release')",
	}
	Arch = &cli.StringFlag{
		Name:    "arch",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ARCH"),
		Usage:   "Target architecture. Not supported: setting it fails the run before anything is launched.",
	}
	ShowPassed = &cli.BoolFlag{
		Name:    "show-passed",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PASSED"),
		Usage:   "Print a line for every passed test",
	}
	NoProgress = &cli.BoolFlag{
		Name:    "no-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_PROGRESS"),
		Usage:   "Disable periodic progress updates",
	}
	NoANSI = &cli.BoolFlag{
		Name:    "no-ansi",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_ANSI"),
		Usage:   "Disable colored terminal output",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates",
	}
	Settings = &cli.StringFlag{
		Name:    "settings",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SETTINGS"),
		Usage:   "Path to a YAML settings file providing defaults for these flags (eg. 'testhost.yaml')",
	}
)

var optionalFlags = []cli.Flag{
	MaxParallelTestModules,
	TestModules,
	TestModulesRoot,
	BuildCommand,
	BuildArgs,
	BuildDir,
	NoRestore,
	NoBuild,
	Configuration,
	Arch,
	ShowPassed,
	NoProgress,
	NoANSI,
	ProgressInterval,
	Settings,
}

// Flags is the full flag set, for inspection. Apps must be given NewFlags():
// urfave/cli stores parsed and env values back into the flag structs.
var Flags []cli.Flag

func init() {
	Flags = NewFlags()
}

// NewFlags returns fresh instances of every flag
func NewFlags() []cli.Flag {
	fs := make([]cli.Flag, 0, len(optionalFlags))
	for _, f := range optionalFlags {
		fs = append(fs, clone(f))
	}
	fs = append(fs, oplog.CLIFlags(EnvVarPrefix)...)
	fs = append(fs, opmetrics.CLIFlags(EnvVarPrefix)...)
	return fs
}

func clone(f cli.Flag) cli.Flag {
	switch v := f.(type) {
	case *cli.StringFlag:
		c := *v
		return &c
	case *cli.BoolFlag:
		c := *v
		return &c
	case *cli.DurationFlag:
		c := *v
		return &c
	case *cli.StringSliceFlag:
		c := *v
		if v.Value != nil {
			c.Value = cli.NewStringSlice(v.Value.Value()...)
		}
		return &c
	default:
		panic(fmt.Sprintf("flags: cannot clone %T", f))
	}
}
