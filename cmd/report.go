package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testhost/discovery"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

const (
	pipeFlagName            = "pipe"
	timeoutFlagName         = "timeout"
	projectFlagName         = "project"
	targetFrameworkFlagName = "target-framework"
	workingDirFlagName      = "working-dir"
	runArgFlagName          = "run-arg"
	exitCodeFlagName        = "exit-code"
	messageFlagName         = "message"
)

// newReportCommand is used by build commands to report discovered test modules back to the host.
// Flags are created per call since urfave/cli stores parsed values in them.
func newReportCommand() *cli.Command {
	pipe := func() cli.Flag {
		return &cli.StringFlag{
			Name:    pipeFlagName,
			EnvVars: []string{discovery.EnvPipe},
			Usage:   "Socket of the running op-testhost (set automatically for build commands)",
		}
	}
	timeout := func() cli.Flag {
		return &cli.DurationFlag{
			Name:  timeoutFlagName,
			Value: 30 * time.Second,
			Usage: "Maximum time to wait for op-testhost to acknowledge the report",
		}
	}
	return &cli.Command{
		Name:  "report",
		Usage: "Report build results to a running op-testhost",
		Subcommands: []*cli.Command{
			{
				Name:      "modules",
				Usage:     "Report built test modules",
				ArgsUsage: "<module path>...",
				Flags: []cli.Flag{
					pipe(),
					timeout(),
					&cli.StringFlag{
						Name:  projectFlagName,
						Usage: "Project the test modules were built from",
					},
					&cli.StringFlag{
						Name:  targetFrameworkFlagName,
						Usage: "Target framework of the test modules (eg. 'net8.0')",
					},
					&cli.StringFlag{
						Name:  workingDirFlagName,
						Usage: "Working directory of the test modules (default: the module's directory)",
					},
					&cli.StringSliceFlag{
						Name:  runArgFlagName,
						Usage: "Argument passed to the test modules when they run (repeatable)",
					},
				},
				Action: reportModules,
			},
			{
				Name:  "build-failed",
				Usage: "Report that the build failed",
				Flags: []cli.Flag{
					pipe(),
					timeout(),
					&cli.IntFlag{
						Name:  exitCodeFlagName,
						Value: 1,
						Usage: "Exit code of the failed build",
					},
					&cli.StringFlag{
						Name:  messageFlagName,
						Usage: "Description of the failure",
					},
				},
				Action: reportBuildFailure,
			},
		},
	}
}

func reportModules(ctx *cli.Context) error {
	paths := ctx.Args().Slice()
	if len(paths) == 0 {
		return errors.New("at least one module path is required")
	}
	modules := make([]types.TestModule, 0, len(paths))
	for _, p := range paths {
		modules = append(modules, types.TestModule{
			Path:            p,
			ProjectPath:     ctx.String(projectFlagName),
			TargetFramework: ctx.String(targetFrameworkFlagName),
			RunArguments:    ctx.StringSlice(runArgFlagName),
			WorkingDir:      ctx.String(workingDirFlagName),
		})
	}

	rctx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(timeoutFlagName))
	defer cancel()
	if err := discovery.ReportModules(rctx, ctx.String(pipeFlagName), modules...); err != nil {
		return fmt.Errorf("failed to report modules: %w", err)
	}
	return nil
}

func reportBuildFailure(ctx *cli.Context) error {
	rctx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(timeoutFlagName))
	defer cancel()
	err := discovery.ReportBuildFailure(rctx, ctx.String(pipeFlagName), ctx.Int(exitCodeFlagName), ctx.String(messageFlagName))
	if err != nil {
		return fmt.Errorf("failed to report build failure: %w", err)
	}
	return nil
}
