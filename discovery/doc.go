// Package discovery finds the test modules to run.
//
// Two paths exist. In the default path an external build command runs with
// OP_TESTHOST_PIPE pointing at a unix socket served by Listener; the build
// reports every module it produced (or a failure) as JSON lines, and each module
// is forwarded to a ModuleSink as soon as it arrives. In filter mode a
// FilterResolver expands an explicit list of paths and glob patterns, validates
// all of them and only then hands the modules to the sink.
package discovery
