// Package fakeapp implements a scripted test application speaking the
// op-testhost JSON-lines protocol. Test binaries re-execute themselves as fake
// applications: TestMain calls RunIfRequested, and Install creates a link to the
// running test binary whose file extension selects the scenario.
package fakeapp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/testapp"
)

// EnvVar enables fake application mode in a re-executed test binary
const EnvVar = "OP_TESTHOST_FAKEAPP"

// Scenario selects the behaviour of the fake application
type Scenario string

const (
	ScenarioPass        Scenario = "pass"        // one passing test, exit 0
	ScenarioFail        Scenario = "fail"        // one failing test, exit 2
	ScenarioEmpty       Scenario = "empty"       // no tests, exit 0
	ScenarioSlow        Scenario = "slow"        // like pass, after a short delay
	ScenarioHelp        Scenario = "help"        // answers a help request, exit 0
	ScenarioNoHandshake Scenario = "nohandshake" // writes to stderr and exits 3 without handshaking
	ScenarioCrash       Scenario = "crash"       // handshakes then exits 134
	ScenarioFull        Scenario = "full"        // every frame type plus residual output, exit 0
	ScenarioOrphan      Scenario = "orphan"      // sends results before the handshake, exit 0
)

// SlowDelay is how long ScenarioSlow waits before reporting
const SlowDelay = 200 * time.Millisecond

// Enable turns on fake application mode for child processes of the test
func Enable(t interface{ Setenv(key, value string) }) {
	t.Setenv(EnvVar, "1")
}

// RunIfRequested runs the fake application and exits when fake mode is enabled.
// It returns immediately otherwise.
func RunIfRequested() {
	if os.Getenv(EnvVar) != "1" {
		return
	}
	os.Exit(Main(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Install creates dir/name.scenario pointing at the running test binary and returns its path
func Install(dir, name string, scenario Scenario) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate test binary: %w", err)
	}
	path := filepath.Join(dir, name+"."+string(scenario))
	if err := os.Symlink(self, path); err != nil {
		return "", fmt.Errorf("failed to link fake application: %w", err)
	}
	return path, nil
}

// ScenarioOf returns the scenario encoded in a fake application path
func ScenarioOf(path string) Scenario {
	return Scenario(strings.TrimPrefix(filepath.Ext(path), "."))
}

type app struct {
	name     string
	scenario Scenario
	help     bool
	in       *bufio.Reader
	out      io.Writer
	errOut   io.Writer
}

// Main runs the scenario selected by args[0] and returns the process exit code
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "fakeapp: missing program name")
		return 1
	}
	a := &app{
		name:     strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])),
		scenario: ScenarioOf(args[0]),
		help:     slices.Contains(args[1:], "--help"),
		in:       bufio.NewReader(stdin),
		out:      stdout,
		errOut:   stderr,
	}
	code, err := a.run()
	if err != nil {
		fmt.Fprintf(stderr, "fakeapp: %v\n", err)
		return 1
	}
	return code
}

func (a *app) run() (int, error) {
	switch a.scenario {
	case ScenarioNoHandshake:
		fmt.Fprintln(a.errOut, "unhandled exception: startup failed")
		return 3, nil
	case ScenarioOrphan:
		if err := a.send(testapp.Frame{Type: testapp.FrameTestResults, ExecutionID: a.executionID(),
			Successful: []testapp.TestNode{{UID: a.name + ".early", DisplayName: "early"}}}); err != nil {
			return 0, err
		}
	}

	mode, err := a.handshake()
	if err != nil {
		return 0, err
	}

	if a.help {
		if a.scenario != ScenarioHelp {
			return 0, fmt.Errorf("unexpected help request")
		}
		if mode != testapp.ExecutionModeHelp {
			return 0, fmt.Errorf("host did not select help mode: %q", mode)
		}
		return 0, a.send(testapp.Frame{
			Type:   testapp.FrameHelp,
			Module: a.name,
			Options: []testapp.Option{
				{Name: "filter", Description: "Filters tests", Arity: "1"},
				{Name: "internal-diagnostics", IsHidden: true},
			},
		})
	}
	if mode != testapp.ExecutionModeRun {
		return 0, fmt.Errorf("host did not select run mode: %q", mode)
	}

	switch a.scenario {
	case ScenarioPass, ScenarioSlow:
		if a.scenario == ScenarioSlow {
			time.Sleep(SlowDelay)
		}
		return 0, a.send(a.results(true))
	case ScenarioFail:
		return 2, a.send(a.results(false))
	case ScenarioEmpty, ScenarioOrphan:
		return 0, a.send(testapp.Frame{Type: testapp.FrameTestResults, ExecutionID: a.executionID()})
	case ScenarioCrash:
		fmt.Fprintln(a.errOut, "fatal error: stack overflow")
		return 134, nil
	case ScenarioFull:
		return 0, a.full()
	case ScenarioHelp:
		return 0, fmt.Errorf("help scenario launched without --help")
	default:
		return 0, fmt.Errorf("unknown scenario %q", a.scenario)
	}
}

func (a *app) executionID() string {
	return "exec-" + a.name
}

// handshake sends the application handshake and returns the execution mode chosen by the host
func (a *app) handshake() (string, error) {
	err := a.send(testapp.Frame{
		Type: testapp.FrameHandshake,
		Properties: map[string]string{
			testapp.PropExecutionID:  a.executionID(),
			testapp.PropArchitecture: "X64",
			testapp.PropFramework:    ".NETCoreApp,Version=v8.0",
			"OSVersion":              "fake",
		},
	})
	if err != nil {
		return "", err
	}

	line, err := a.in.ReadBytes('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read handshake reply: %w", err)
	}
	reply, ok, err := testapp.DecodeFrame(line)
	if err != nil || !ok || reply.Type != testapp.FrameHandshake {
		return "", fmt.Errorf("invalid handshake reply: %q", line)
	}
	if v := reply.Properties[testapp.PropProtocolVersion]; v != testapp.ProtocolVersion {
		return "", fmt.Errorf("unsupported protocol version %q", v)
	}
	return reply.Properties[testapp.PropExecutionMode], nil
}

func (a *app) results(pass bool) testapp.Frame {
	node := testapp.TestNode{UID: a.name + ".Test1", DisplayName: "Test1", DurationMs: 15}
	frame := testapp.Frame{Type: testapp.FrameTestResults, ExecutionID: a.executionID()}
	if pass {
		frame.Successful = []testapp.TestNode{node}
	} else {
		node.ErrorMessage = "expected 1 but got 2"
		node.ErrorStackTrace = "at Test1() in Tests.cs:line 12"
		frame.Failed = []testapp.TestNode{node}
	}
	return frame
}

func (a *app) full() error {
	fmt.Fprintln(a.out, "plain output line")
	fmt.Fprintln(a.errOut, "plain error line")
	frames := []testapp.Frame{
		{Type: testapp.FrameExecutionID, ExecutionID: a.executionID()},
		{Type: testapp.FrameSessionEvent, SessionType: "start", SessionUID: "s1", ExecutionID: a.executionID()},
		{Type: testapp.FrameDiscoveredTests, ExecutionID: a.executionID(), Tests: []testapp.TestNode{
			{UID: a.name + ".Test1", DisplayName: "Test1"},
			{UID: a.name + ".Test2", DisplayName: "Test2"},
		}},
		{Type: testapp.FrameError, Message: "diagnostic only"},
		{Type: testapp.FrameTestResults, ExecutionID: a.executionID(), Successful: []testapp.TestNode{
			{UID: a.name + ".Test1", DisplayName: "Test1", SessionUID: "s1", DurationMs: 5},
			{UID: a.name + ".Test2", DisplayName: "Test2", SessionUID: "s1", State: "skipped", Reason: "not applicable"},
		}},
		{Type: testapp.FrameFileArtifacts, ExecutionID: a.executionID(), Artifacts: []testapp.Artifact{
			{FullPath: "/tmp/" + a.name + ".trx", DisplayName: "report", Description: "test report", SessionUID: "s1"},
		}},
		{Type: testapp.FrameSessionEvent, SessionType: "end", SessionUID: "s1", ExecutionID: a.executionID()},
	}
	for _, f := range frames {
		if err := a.send(f); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) send(f testapp.Frame) error {
	return testapp.WriteFrame(a.out, f)
}
