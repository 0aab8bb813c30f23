package reporting

import (
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/registry"
	"github.com/ethereum-optimism/infra/op-testhost/testapp"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(helpMode bool) (*Consumer, *Reporter) {
	logger := log.NewLogger(log.DiscardHandler())
	reporter, _ := newTestReporter(Options{})
	return &Consumer{
		Log:      logger,
		Registry: registry.New(logger),
		Reporter: reporter,
		HelpMode: helpMode,
		RunID:    "test-run",
	}, reporter
}

func handshake(id int, path string) testapp.Event {
	return testapp.Event{
		Kind:        testapp.KindHandshakeReceived,
		HandleID:    id,
		ModulePath:  path,
		ExecutionID: "exec-" + path,
		Properties: map[string]string{
			testapp.PropExecutionID:  "exec-" + path,
			testapp.PropArchitecture: "X64",
			testapp.PropFramework:    ".NETCoreApp,Version=v8.0",
		},
	}
}

func TestConsumerNormalFlow(t *testing.T) {
	c, r := newTestConsumer(false)
	r.TestExecutionStarted(time.Now(), 1)

	events := []testapp.Event{
		{Kind: testapp.KindRun, HandleID: 1, ModulePath: "/bin/A"},
		handshake(1, "/bin/A"),
		{Kind: testapp.KindDiscoveredTestsReceived, HandleID: 1, DiscoveredTests: []types.DiscoveredTest{{UID: "t1"}}},
		{Kind: testapp.KindTestResultsReceived, HandleID: 1, Results: []types.TestResult{
			{UID: "t1", Outcome: types.TestOutcomePassed},
			{UID: "t2", Outcome: types.TestOutcomeFailed},
		}},
		{Kind: testapp.KindFileArtifactsReceived, HandleID: 1, Artifacts: []types.FileArtifact{{FullPath: "/tmp/x"}}},
		{Kind: testapp.KindSessionEventReceived, HandleID: 1, Session: types.SessionEvent{SessionType: types.SessionTypeEnd}},
		{Kind: testapp.KindErrorReceived, HandleID: 1, Message: "diagnostic"},
		{Kind: testapp.KindExecutionIDReceived, HandleID: 1, ExecutionID: "x"},
		{Kind: testapp.KindTestProcessExited, HandleID: 1, ExitCode: 2, ErrorData: []string{"boom"}},
	}
	for _, ev := range events {
		c.Handle(ev)
	}

	info, err := c.Registry.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionInfo{
		HandleID:        1,
		ModulePath:      "/bin/A",
		TargetFramework: "net8.0",
		Architecture:    "x64",
		ExecutionID:     "exec-/bin/A",
	}, info)

	assert.Equal(t, []RecordKind{
		RecordTestExecutionStarted,
		RecordAssemblyRunStarted,
		RecordTestCompleted,
		RecordTestCompleted,
		RecordAssemblyRunCompleted,
	}, recordKinds(r.Records()))
	assert.True(t, r.Failed())
	assert.Equal(t, 0, r.State().ProtocolErrors)
}

func TestConsumerUnregisteredEvents(t *testing.T) {
	c, r := newTestConsumer(false)

	c.Handle(testapp.Event{Kind: testapp.KindTestResultsReceived, HandleID: 9, Results: []types.TestResult{{UID: "x"}}})
	c.Handle(testapp.Event{Kind: testapp.KindTestProcessExited, HandleID: 9, ExitCode: 3})

	records := r.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, RecordProtocolError, rec.Kind)
		assert.ErrorIs(t, rec.Err, registry.ErrNotRegistered)
		assert.Equal(t, 9, rec.HandleID)
	}
	assert.Equal(t, "TestResultsReceived", records[0].Event)
	assert.Equal(t, "TestProcessExited", records[1].Event)
	assert.True(t, r.Failed())
}

func TestConsumerHelpMode(t *testing.T) {
	c, r := newTestConsumer(true)

	c.Handle(handshake(1, "/bin/A"))
	c.Handle(testapp.Event{Kind: testapp.KindHelpRequested, HandleID: 1, ModulePath: "/bin/A", Help: types.HelpInfo{Module: "A"}})
	c.Handle(testapp.Event{Kind: testapp.KindTestProcessExited, HandleID: 1, ModulePath: "/bin/A"})
	// An application that exits without registering is not an error in help mode
	c.Handle(testapp.Event{Kind: testapp.KindTestProcessExited, HandleID: 2, ModulePath: "/bin/B"})

	// Neither starts nor completions are reported for help-only runs
	assert.Equal(t, []RecordKind{RecordHelpReceived}, recordKinds(r.Records()))
	assert.False(t, r.Failed())
	assert.Empty(t, r.State().Assemblies)
}

func TestConsumerSharedExecutionID(t *testing.T) {
	c, r := newTestConsumer(false)

	a := handshake(1, "/x/A")
	b := handshake(2, "/y/B")
	a.ExecutionID, b.ExecutionID = "same", "same"
	c.Handle(a)
	c.Handle(b)
	c.Handle(testapp.Event{Kind: testapp.KindTestResultsReceived, HandleID: 1, Results: []types.TestResult{{UID: "a1", Outcome: types.TestOutcomePassed}}})
	c.Handle(testapp.Event{Kind: testapp.KindTestResultsReceived, HandleID: 2, Results: []types.TestResult{{UID: "b1", Outcome: types.TestOutcomeFailed}}})
	c.Handle(testapp.Event{Kind: testapp.KindTestProcessExited, HandleID: 1})
	c.Handle(testapp.Event{Kind: testapp.KindTestProcessExited, HandleID: 2, ExitCode: 1})

	st := r.State()
	require.Len(t, st.Assemblies, 2)
	assert.Equal(t, "/x/A", st.Assemblies[0].Info.ModulePath)
	assert.True(t, st.Assemblies[0].Succeeded())
	assert.Equal(t, "/y/B", st.Assemblies[1].Info.ModulePath)
	assert.Equal(t, 1, st.Assemblies[1].Failed)
	assert.Equal(t, 1, st.Assemblies[1].ExitCode)
}
