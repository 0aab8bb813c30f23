package reporting

import (
	"errors"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum-optimism/infra/op-testhost/registry"
	"github.com/ethereum-optimism/infra/op-testhost/testapp"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// Consumer turns test application events into registry updates and reporter calls.
// One Consumer is shared by all handles; it keeps no per-handle state of its own.
type Consumer struct {
	Log      log.Logger
	Registry *registry.Registry
	Reporter *Reporter
	HelpMode bool
	RunID    string
}

// Handle processes a single event
func (c *Consumer) Handle(ev testapp.Event) {
	logger := c.logger().New("id", ev.HandleID)

	switch ev.Kind {
	case testapp.KindRun:
		logger.Debug("Test application started", "module", ev.ModulePath)

	case testapp.KindHandshakeReceived:
		info := types.ExecutionInfo{
			HandleID:        ev.HandleID,
			ModulePath:      ev.ModulePath,
			TargetFramework: types.ShortTargetFramework(ev.Properties[testapp.PropFramework]),
			Architecture:    strings.ToLower(ev.Properties[testapp.PropArchitecture]),
			ExecutionID:     ev.ExecutionID,
		}
		c.Registry.Register(ev.HandleID, info)
		for k, v := range ev.Properties {
			logger.Debug("Handshake property", "key", k, "value", v)
		}
		if !c.HelpMode {
			c.Reporter.AssemblyRunStarted(info)
		}

	case testapp.KindExecutionIDReceived:
		logger.Debug("Execution id received", "executionID", ev.ExecutionID)

	case testapp.KindDiscoveredTestsReceived:
		for _, t := range ev.DiscoveredTests {
			logger.Debug("Discovered test", "executionID", ev.ExecutionID, "uid", t.UID, "name", t.DisplayName)
		}

	case testapp.KindTestResultsReceived:
		info, ok := c.lookup(ev)
		if !ok {
			return
		}
		for _, result := range ev.Results {
			c.Reporter.TestCompleted(info, result)
			metrics.RecordTestResult(c.RunID, result.Outcome)
		}

	case testapp.KindFileArtifactsReceived:
		for _, a := range ev.Artifacts {
			logger.Debug("File artifact", "executionID", ev.ExecutionID, "path", a.FullPath, "name", a.DisplayName,
				"description", a.Description, "test", a.TestUID, "session", a.SessionUID)
		}

	case testapp.KindSessionEventReceived:
		logger.Debug("Session event", "type", ev.Session.SessionType, "session", ev.Session.SessionUID, "executionID", ev.Session.ExecutionID)

	case testapp.KindHelpRequested:
		c.Reporter.HelpReceived(ev.ModulePath, ev.Help)

	case testapp.KindErrorReceived:
		logger.Debug("Test application error", "message", ev.Message)

	case testapp.KindTestProcessExited:
		if ev.ExitCode != 0 {
			logger.Debug("Test application exited with non-zero code", "exitCode", ev.ExitCode)
		}
		for _, line := range ev.OutputData {
			logger.Debug("Test application output", "line", stripansi.Strip(line))
		}
		for _, line := range ev.ErrorData {
			logger.Debug("Test application error output", "line", stripansi.Strip(line))
		}

		if c.HelpMode {
			// No assembly runs are reported in help mode
			if ev.ExitCode != 0 {
				logger.Warn("Test application exited with non-zero code while printing help",
					"module", ev.ModulePath, "exitCode", ev.ExitCode, "stderr", lastLines(ev.ErrorData, 5))
			}
			return
		}
		info, ok := c.lookup(ev)
		if !ok {
			logger.Error("Test application exited before completing the handshake",
				"module", ev.ModulePath, "exitCode", ev.ExitCode, "stderr", lastLines(ev.ErrorData, 5))
			return
		}
		c.Reporter.AssemblyRunCompleted(info, ev.ExitCode, ev.OutputData, ev.ErrorData)

	default:
		logger.Warn("Unknown event", "kind", ev.Kind)
	}
}

// lookup resolves the execution info for an event; a miss is reported as a protocol error
func (c *Consumer) lookup(ev testapp.Event) (types.ExecutionInfo, bool) {
	info, err := c.Registry.Lookup(ev.HandleID)
	if err == nil {
		return info, true
	}
	if !errors.Is(err, registry.ErrNotRegistered) {
		c.logger().Error("Failed to look up execution", "id", ev.HandleID, "err", err)
	}
	c.Reporter.ProtocolError(ev.HandleID, ev.Kind.String(), err)
	metrics.RecordProtocolError(ev.Kind.String())
	return types.ExecutionInfo{}, false
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return stripansi.Strip(strings.Join(lines, " | "))
}

func (c *Consumer) logger() log.Logger {
	if c.Log == nil {
		return log.Root()
	}
	return c.Log
}
