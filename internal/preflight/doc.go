// Package preflight provides readiness checks for the directories, binaries,
// and backing services dtiqc depends on.
//
// The "dtiqc check" command runs every check and prints the results; "run"
// and "work" call RunAll before processing and refuse to start when a
// required check fails, so a batch does not record a column of Error entries
// for a missing tool.
package preflight
