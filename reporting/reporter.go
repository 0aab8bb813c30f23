package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RecordKind identifies the reporter operation that produced a Record
type RecordKind string

const (
	RecordTestExecutionStarted   RecordKind = "TestExecutionStarted"
	RecordAssemblyRunStarted     RecordKind = "AssemblyRunStarted"
	RecordTestCompleted          RecordKind = "TestCompleted"
	RecordAssemblyRunCompleted   RecordKind = "AssemblyRunCompleted"
	RecordHelpReceived           RecordKind = "HelpReceived"
	RecordProtocolError          RecordKind = "ProtocolError"
	RecordTestExecutionCompleted RecordKind = "TestExecutionCompleted"
)

// Record is one entry of the ordered run report
type Record struct {
	Kind        RecordKind
	Time        time.Time
	Info        types.ExecutionInfo // Assembly records and TestCompleted
	Result      types.TestResult    // TestCompleted
	ExitCode    int                 // AssemblyRunCompleted
	OutputData  []string            // AssemblyRunCompleted
	ErrorData   []string            // AssemblyRunCompleted
	Help        types.HelpInfo      // HelpReceived
	HandleID    int                 // ProtocolError
	Event       string              // ProtocolError
	Err         error               // ProtocolError
	Parallelism int                 // TestExecutionStarted
}

// Options configure terminal output
type Options struct {
	ShowPassedTests  bool
	ShowProgress     bool
	UseANSI          bool
	ProgressInterval time.Duration
	RunID            string
}

// AssemblyTally aggregates the results of one test application
type AssemblyTally struct {
	Info      types.ExecutionInfo
	Passed    int
	Failed    int
	ExitCode  int
	Completed bool
	StartTime time.Time
	Duration  time.Duration
}

// Succeeded returns false if the application reported a failed test or exited abnormally
func (a AssemblyTally) Succeeded() bool {
	return a.Failed == 0 && (!a.Completed || a.ExitCode == 0)
}

// RunState is the in-memory state of the current run
type RunState struct {
	Parallelism    int
	StartTime      time.Time
	EndTime        time.Time
	Assemblies     []AssemblyTally
	ProtocolErrors int
	Failed         bool
}

// TotalPassed returns the number of passed tests across all applications
func (s RunState) TotalPassed() int {
	total := 0
	for _, a := range s.Assemblies {
		total += a.Passed
	}
	return total
}

// TotalFailed returns the number of failed tests across all applications
func (s RunState) TotalFailed() int {
	total := 0
	for _, a := range s.Assemblies {
		total += a.Failed
	}
	return total
}

// Reporter aggregates results from all test applications into one run report.
// All operations are safe for concurrent use; each appends exactly one Record.
type Reporter struct {
	log      log.Logger
	out      io.Writer
	opts     Options
	progress ProgressIndicator

	mu         sync.Mutex
	records    []Record
	state      RunState
	assemblies map[int]int // handle id -> index in state.Assemblies
}

// NewReporter creates a reporter writing human readable output to out
func NewReporter(logger log.Logger, out io.Writer, opts Options) *Reporter {
	if logger == nil {
		logger = log.New()
	}
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{
		log:        logger.New("component", "reporter"),
		out:        out,
		opts:       opts,
		progress:   NewNoOpProgressIndicator(),
		assemblies: make(map[int]int),
	}
}

// TestExecutionStarted marks the start of the run
func (r *Reporter) TestExecutionStarted(start time.Time, parallelism int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.StartTime = start
	r.state.Parallelism = parallelism
	r.append(Record{Kind: RecordTestExecutionStarted, Time: start, Parallelism: parallelism})

	if r.opts.ShowProgress {
		r.progress = NewConsoleProgressIndicator(r.log, r.opts.ProgressInterval)
	}
	r.log.Info("Starting test run", "runID", r.opts.RunID, "parallelism", parallelism)
}

// AssemblyRunStarted marks the start of one test application
func (r *Reporter) AssemblyRunStarted(info types.ExecutionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tally := r.tally(info)
	tally.StartTime = now
	r.append(Record{Kind: RecordAssemblyRunStarted, Time: now, Info: info})
	r.progress.AssemblyStarted(info.HandleID, info.Name())

	fmt.Fprintf(r.out, "Running tests from %s\n", info.Name())
}

// TestCompleted records a single test result
func (r *Reporter) TestCompleted(info types.ExecutionInfo, result types.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tally := r.tally(info)
	if result.Failed() {
		tally.Failed++
		r.state.Failed = true
	} else {
		tally.Passed++
	}
	r.append(Record{Kind: RecordTestCompleted, Time: time.Now(), Info: info, Result: result})

	switch {
	case result.Failed():
		fmt.Fprintf(r.out, "%s %s (%s)\n", r.colorize(text.FgRed, "failed"), result.DisplayName, formatDuration(result.Duration))
		if result.ErrorMessage != "" {
			fmt.Fprintln(r.out, indent(result.ErrorMessage, "  "))
		}
		if result.ErrorStackTrace != "" {
			fmt.Fprintln(r.out, indent(result.ErrorStackTrace, "    "))
		}
	case r.opts.ShowPassedTests:
		label := "passed"
		if result.State != "" && result.State != string(types.TestOutcomePassed) {
			label = result.State
		}
		fmt.Fprintf(r.out, "%s %s (%s)\n", r.colorize(text.FgGreen, label), result.DisplayName, formatDuration(result.Duration))
	}
}

// AssemblyRunCompleted records the exit of one test application together with its residual output
func (r *Reporter) AssemblyRunCompleted(info types.ExecutionInfo, exitCode int, outputData, errorData []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tally := r.tally(info)
	tally.Completed = true
	tally.ExitCode = exitCode
	if !tally.StartTime.IsZero() {
		tally.Duration = now.Sub(tally.StartTime)
	}
	if !tally.Succeeded() {
		r.state.Failed = true
	}
	r.append(Record{
		Kind:       RecordAssemblyRunCompleted,
		Time:       now,
		Info:       info,
		ExitCode:   exitCode,
		OutputData: outputData,
		ErrorData:  errorData,
	})
	r.progress.AssemblyCompleted(info.HandleID)

	if !tally.Succeeded() {
		fmt.Fprintf(r.out, "%s %s (exit code %d, %d passed, %d failed, %s)\n",
			r.colorize(text.FgRed, "Failed"), info.Name(), exitCode, tally.Passed, tally.Failed, formatDuration(tally.Duration))
		if exitCode != 0 {
			r.writeResidual("Standard output", outputData)
			r.writeResidual("Error output", errorData)
		}
		return
	}
	fmt.Fprintf(r.out, "%s %s (%d passed, %s)\n",
		r.colorize(text.FgGreen, "Passed"), info.Name(), tally.Passed, formatDuration(tally.Duration))
}

// HelpReceived prints the help advertised by a test application
func (r *Reporter) HelpReceived(module string, help types.HelpInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.append(Record{Kind: RecordHelpReceived, Time: time.Now(), Help: help, Info: types.ExecutionInfo{ModulePath: module}})
	fmt.Fprint(r.out, help.String())
}

// ProtocolError records an event that referenced a test application whose
// handshake was never registered. It fails the run.
func (r *Reporter) ProtocolError(handleID int, event string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.ProtocolErrors++
	r.state.Failed = true
	r.append(Record{Kind: RecordProtocolError, Time: time.Now(), HandleID: handleID, Event: event, Err: err})
	r.log.Error("Protocol error: event for unregistered test application", "id", handleID, "event", event, "err", err)
}

// TestExecutionCompleted marks the end of the run and prints the summary
func (r *Reporter) TestExecutionCompleted(end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.EndTime = end
	r.append(Record{Kind: RecordTestExecutionCompleted, Time: end})
	r.progress.Stop()

	if len(r.state.Assemblies) > 0 {
		r.printSummary()
	}

	duration := formatDuration(end.Sub(r.state.StartTime))
	if r.state.Failed {
		fmt.Fprintf(r.out, "%s in %s\n", r.colorize(text.FgRed, "Test run failed"), duration)
	} else {
		fmt.Fprintf(r.out, "%s in %s\n", r.colorize(text.FgGreen, "Test run passed"), duration)
	}
	r.log.Info("Test run completed",
		"runID", r.opts.RunID,
		"failed", r.state.Failed,
		"assemblies", len(r.state.Assemblies),
		"passed", r.state.TotalPassed(),
		"failedTests", r.state.TotalFailed(),
		"protocolErrors", r.state.ProtocolErrors,
	)
}

// Records returns a copy of all records in the order they were appended
func (r *Reporter) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]Record, len(r.records))
	copy(cp, r.records)
	return cp
}

// Failed returns true if any test application failed or a protocol error occurred
func (r *Reporter) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Failed
}

// State returns a copy of the current run state
func (r *Reporter) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state
	st.Assemblies = make([]AssemblyTally, len(r.state.Assemblies))
	copy(st.Assemblies, r.state.Assemblies)
	return st
}

func (r *Reporter) append(rec Record) {
	r.records = append(r.records, rec)
}

// tally returns the per-application entry, creating it on first use. Callers hold r.mu.
func (r *Reporter) tally(info types.ExecutionInfo) *AssemblyTally {
	idx, ok := r.assemblies[info.HandleID]
	if !ok {
		idx = len(r.state.Assemblies)
		r.state.Assemblies = append(r.state.Assemblies, AssemblyTally{Info: info})
		r.assemblies[info.HandleID] = idx
	}
	return &r.state.Assemblies[idx]
}

func (r *Reporter) writeResidual(title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(r.out, "  %s:\n", title)
	for _, line := range lines {
		if !r.opts.UseANSI {
			line = stripansi.Strip(line)
		}
		fmt.Fprintf(r.out, "    %s\n", line)
	}
}

func (r *Reporter) colorize(color text.Color, s string) string {
	if !r.opts.UseANSI {
		return s
	}
	return color.Sprint(s)
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
