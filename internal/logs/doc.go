// Package logs reads the JSON activity log that every dtiqc command appends
// to <log_dir>/dtiqc.log.
//
// It returns the last lines of the file with bounded memory, follows the file
// as new records are appended, and filters records by case, step, and level
// so an operator can see what happened to one case across batch runs, workers,
// and review sessions.
package logs
