package types

import (
	"fmt"
	"strings"
	"time"
)

// TestOutcome represents the possible outcomes reported for a single test
type TestOutcome string

const (
	TestOutcomePassed TestOutcome = "passed"
	TestOutcomeFailed TestOutcome = "failed"
)

// TestResult captures the outcome of a single test as reported by a test application.
// The host does not interpret tests beyond these opaque fields.
type TestResult struct {
	UID             string
	DisplayName     string
	Outcome         TestOutcome
	State           string // Free-form state as reported by the application (e.g. "passed", "timed-out")
	Reason          string
	SessionUID      string
	Duration        time.Duration
	ErrorMessage    string // Only set for failed outcomes
	ErrorStackTrace string // Only set for failed outcomes
}

// Failed returns true if the result carries a failed outcome
func (r TestResult) Failed() bool {
	return r.Outcome == TestOutcomeFailed
}

// DiscoveredTest is a test reported by an application before execution.
// It is informational only and never affects the verdict.
type DiscoveredTest struct {
	UID         string
	DisplayName string
}

// FileArtifact describes a file produced by a test application
type FileArtifact struct {
	FullPath        string
	DisplayName     string
	Description     string
	TestUID         string // Empty when the artifact belongs to the session rather than a test
	TestDisplayName string
	SessionUID      string
}

// SessionType marks the start or the end of a logical test session
type SessionType string

const (
	SessionTypeStart SessionType = "start"
	SessionTypeEnd   SessionType = "end"
)

// SessionEvent is a lifecycle marker for a test session inside one application process
type SessionEvent struct {
	SessionType SessionType
	SessionUID  string
	ExecutionID string
}

// HelpOption is a single command line option advertised by a test application in help mode
type HelpOption struct {
	Name        string
	Description string
	Arity       string
	IsHidden    bool
	IsBuiltIn   bool
}

// HelpInfo is the help payload of a test application
type HelpInfo struct {
	Module  string
	Options []HelpOption
}

// String renders the visible options, one per line
func (h HelpInfo) String() string {
	var sb strings.Builder
	if h.Module != "" {
		fmt.Fprintf(&sb, "%s\n", h.Module)
	}
	for _, opt := range h.Options {
		if opt.IsHidden {
			continue
		}
		fmt.Fprintf(&sb, "  --%s", opt.Name)
		if opt.Arity != "" {
			fmt.Fprintf(&sb, " (%s)", opt.Arity)
		}
		if opt.Description != "" {
			fmt.Fprintf(&sb, "  %s", opt.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
