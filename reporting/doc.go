// Package reporting aggregates the events of every test application into a single run report.
//
// The Reporter owns the ordered list of records and the run state; the Consumer translates
// test application events into registry updates and reporter calls.
package reporting
