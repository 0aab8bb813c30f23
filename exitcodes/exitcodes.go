// Package exitcodes defines the standard exit codes used by op-testhost.
package exitcodes

// Exit code constants used by op-testhost
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every test application passed
// * GenericFailure (1): Used when any test application failed, or discovery or configuration failed
// * RuntimeErr (2): Used for runtime errors such as panics or host setup failures
const (
	Success        = 0 // All test applications passed
	GenericFailure = 1 // Test failures, discovery failures, unsupported configuration
	RuntimeErr     = 2 // Runtime errors
)
