package flags

import (
	"os"
	"strings"
	"testing"
	"time"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range Flags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names are unique, to avoid accidental conflicts between the many flags.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		name := flag.Names()[0]
		if _, ok := seenCLI[name]; ok {
			t.Errorf("duplicate flag %s", name)
			continue
		}
		seenCLI[name] = struct{}{}
	}
}

func TestHasEnvVar(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			envFlags := envFlagGetter.GetEnvVars()
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			require.Equal(t, 1, len(envFlags), "flags should have exactly one env var")
		})
	}
}

func TestEnvVarFormat(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			envFlags := envFlagGetter.GetEnvVars()
			expectedEnvVar := opservice.FlagNameToEnvVarName(flagName, EnvVarPrefix)
			// build-arg is plural in its env var since the env var holds a list
			if flagName == BuildArgs.Name {
				expectedEnvVar = strings.TrimSuffix(expectedEnvVar, "ARG") + "ARGS"
			}
			require.Equal(t, []string{expectedEnvVar}, envFlags)
		})
	}
}

// TestNewFlagsAreIndependent asserts that parsing one flag set never leaks into the next.
func TestNewFlagsAreIndependent(t *testing.T) {
	t.Setenv("OP_TESTHOST_NO_PROGRESS", "true")

	run := func(fs []cli.Flag, args ...string) *cli.Context {
		var got *cli.Context
		app := cli.NewApp()
		app.Flags = fs
		app.Action = func(ctx *cli.Context) error {
			got = ctx
			return nil
		}
		require.NoError(t, app.Run(append([]string{"op-testhost"}, args...)))
		return got
	}

	ctx := run(NewFlags(), "--test-modules", "a", "--progress-interval", "1s")
	require.True(t, ctx.Bool(NoProgress.Name))

	require.NoError(t, os.Unsetenv("OP_TESTHOST_NO_PROGRESS"))
	ctx = run(NewFlags())
	require.False(t, ctx.Bool(NoProgress.Name))
	require.False(t, ctx.IsSet(NoProgress.Name))
	require.Empty(t, ctx.StringSlice(TestModules.Name))
	require.Equal(t, 30*time.Second, ctx.Duration(ProgressInterval.Name))
}
