package testapp

import (
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Kind discriminates the events emitted by a Handle
type Kind int

const (
	KindRun Kind = iota + 1
	KindHandshakeReceived
	KindExecutionIDReceived
	KindDiscoveredTestsReceived
	KindTestResultsReceived
	KindFileArtifactsReceived
	KindSessionEventReceived
	KindHelpRequested
	KindErrorReceived
	KindTestProcessExited
)

var kindNames = map[Kind]string{
	KindRun:                     "Run",
	KindHandshakeReceived:       "HandshakeReceived",
	KindExecutionIDReceived:     "ExecutionIdReceived",
	KindDiscoveredTestsReceived: "DiscoveredTestsReceived",
	KindTestResultsReceived:     "TestResultsReceived",
	KindFileArtifactsReceived:   "FileArtifactsReceived",
	KindSessionEventReceived:    "SessionEventReceived",
	KindHelpRequested:           "HelpRequested",
	KindErrorReceived:           "ErrorReceived",
	KindTestProcessExited:       "TestProcessExited",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Event is a tagged message emitted by a Handle on its event channel.
// HandleID and ModulePath are always set; the remaining fields depend on Kind.
type Event struct {
	Kind       Kind
	HandleID   int
	ModulePath string

	// KindHandshakeReceived
	Properties map[string]string

	// KindHandshakeReceived, KindExecutionIDReceived, KindDiscoveredTestsReceived,
	// KindTestResultsReceived, KindFileArtifactsReceived
	ExecutionID string

	DiscoveredTests []types.DiscoveredTest
	Results         []types.TestResult
	Artifacts       []types.FileArtifact
	Session         types.SessionEvent
	Help            types.HelpInfo

	// KindErrorReceived
	Message string

	// KindTestProcessExited
	ExitCode   int
	OutputData []string
	ErrorData  []string
}

// FailedResults returns the failed results carried by the event
func (e Event) FailedResults() []types.TestResult {
	var failed []types.TestResult
	for _, r := range e.Results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	return failed
}
