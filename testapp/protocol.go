package testapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// ProtocolVersion is the protocol version announced by the host during the handshake
const ProtocolVersion = "1.0.0"

// HostType identifies this host in the handshake reply
const HostType = "TestHost"

// Handshake property keys
const (
	PropExecutionID     = "ExecutionId"
	PropArchitecture    = "Architecture"
	PropFramework       = "Framework"
	PropProtocolVersion = "ProtocolVersion"
	PropPID             = "PID"
	PropHostType        = "HostType"
	PropExecutionMode   = "ExecutionMode"
)

// Execution modes announced to the application in the handshake reply
const (
	ExecutionModeRun  = "run"
	ExecutionModeHelp = "help"
)

// FrameType is the discriminator of a protocol frame
type FrameType string

const (
	FrameHandshake       FrameType = "handshake"
	FrameExecutionID     FrameType = "execution_id"
	FrameDiscoveredTests FrameType = "discovered_tests"
	FrameTestResults     FrameType = "test_results"
	FrameFileArtifacts   FrameType = "file_artifacts"
	FrameSessionEvent    FrameType = "session_event"
	FrameHelp            FrameType = "help"
	FrameError           FrameType = "error"
)

// Frame is a single JSON-lines message exchanged with a test application.
// Only the fields relevant to Type are populated.
type Frame struct {
	Type        FrameType         `json:"type"`
	Properties  map[string]string `json:"properties,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Tests       []TestNode        `json:"tests,omitempty"`
	Successful  []TestNode        `json:"successful,omitempty"`
	Failed      []TestNode        `json:"failed,omitempty"`
	Artifacts   []Artifact        `json:"artifacts,omitempty"`
	SessionType string            `json:"session_type,omitempty"`
	SessionUID  string            `json:"session_uid,omitempty"`
	Module      string            `json:"module,omitempty"`
	Options     []Option          `json:"options,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// TestNode is a test as it appears in discovery and result frames
type TestNode struct {
	UID             string `json:"uid"`
	DisplayName     string `json:"display_name"`
	State           string `json:"state,omitempty"`
	Reason          string `json:"reason,omitempty"`
	SessionUID      string `json:"session_uid,omitempty"`
	DurationMs      int64  `json:"duration_ms,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ErrorStackTrace string `json:"error_stack_trace,omitempty"`
}

// Artifact is a file produced by the application
type Artifact struct {
	FullPath        string `json:"full_path"`
	DisplayName     string `json:"display_name,omitempty"`
	Description     string `json:"description,omitempty"`
	TestUID         string `json:"test_uid,omitempty"`
	TestDisplayName string `json:"test_display_name,omitempty"`
	SessionUID      string `json:"session_uid,omitempty"`
}

// Option is a command line option advertised in a help frame
type Option struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Arity       string `json:"arity,omitempty"`
	IsHidden    bool   `json:"is_hidden,omitempty"`
	IsBuiltIn   bool   `json:"is_built_in,omitempty"`
}

// DecodeFrame parses a single output line. ok is false when the line is not
// a protocol frame, in which case it should be treated as residual output.
// err is only set for lines that look like frames but carry an unknown type.
func DecodeFrame(line []byte) (frame Frame, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Frame{}, false, nil
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return Frame{}, false, nil
	}
	if frame.Type == "" {
		return Frame{}, false, nil
	}
	if !frame.Type.known() {
		return frame, true, fmt.Errorf("unknown frame type %q", frame.Type)
	}
	return frame, true, nil
}

// WriteFrame encodes a frame as a single JSON line
func WriteFrame(w io.Writer, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (t FrameType) known() bool {
	switch t {
	case FrameHandshake, FrameExecutionID, FrameDiscoveredTests, FrameTestResults,
		FrameFileArtifacts, FrameSessionEvent, FrameHelp, FrameError:
		return true
	}
	return false
}

// Result converts the node into a test result with the given outcome
func (n TestNode) Result(outcome types.TestOutcome) types.TestResult {
	state := n.State
	if state == "" {
		state = string(outcome)
	}
	return types.TestResult{
		UID:             n.UID,
		DisplayName:     n.DisplayName,
		Outcome:         outcome,
		State:           state,
		Reason:          n.Reason,
		SessionUID:      n.SessionUID,
		Duration:        time.Duration(n.DurationMs) * time.Millisecond,
		ErrorMessage:    n.ErrorMessage,
		ErrorStackTrace: n.ErrorStackTrace,
	}
}

// results flattens a test_results frame, successful outcomes first
func (f Frame) results() []types.TestResult {
	results := make([]types.TestResult, 0, len(f.Successful)+len(f.Failed))
	for _, n := range f.Successful {
		results = append(results, n.Result(types.TestOutcomePassed))
	}
	for _, n := range f.Failed {
		results = append(results, n.Result(types.TestOutcomeFailed))
	}
	return results
}

func (f Frame) discoveredTests() []types.DiscoveredTest {
	tests := make([]types.DiscoveredTest, 0, len(f.Tests))
	for _, n := range f.Tests {
		tests = append(tests, types.DiscoveredTest{UID: n.UID, DisplayName: n.DisplayName})
	}
	return tests
}

func (f Frame) artifacts() []types.FileArtifact {
	artifacts := make([]types.FileArtifact, 0, len(f.Artifacts))
	for _, a := range f.Artifacts {
		artifacts = append(artifacts, types.FileArtifact(a))
	}
	return artifacts
}

func (f Frame) help() types.HelpInfo {
	info := types.HelpInfo{Module: f.Module}
	for _, o := range f.Options {
		info.Options = append(info.Options, types.HelpOption(o))
	}
	return info
}

func (f Frame) session() types.SessionEvent {
	return types.SessionEvent{
		SessionType: types.SessionType(f.SessionType),
		SessionUID:  f.SessionUID,
		ExecutionID: f.ExecutionID,
	}
}
