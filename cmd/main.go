package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	testhost "github.com/ethereum-optimism/infra/op-testhost"
	"github.com/ethereum-optimism/infra/op-testhost/exitcodes"
	"github.com/ethereum-optimism/infra/op-testhost/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-testhost"
	app.Usage = "Runs test applications in parallel and aggregates their results"
	app.Description = "op-testhost launches every discovered test application, speaks the test host protocol with it and reports a single verdict"
	app.Flags = cliapp.ProtectFlags(flags.NewFlags())
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{newReportCommand()}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCodeFor(err)))
	}
	return app
}

// exitCodeFor maps typed errors to process exit codes
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case testhost.IsRuntimeError(err):
		return exitcodes.RuntimeErr
	default:
		// test failures, configuration errors and anything unexpected
		return exitcodes.GenericFailure
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := testhost.NewConfig(ctx, log)
	if err != nil {
		if testhost.IsConfigError(err) {
			return nil, err
		}
		return nil, testhost.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config", "config", cfg)

	host, err := testhost.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, testhost.NewRuntimeError(fmt.Errorf("failed to create test host: %w", err))
	}

	return host, nil
}
