// Command dtiqc drives the diffusion tensor pipeline: batch processing of
// automated steps, worker loops, interactive review sessions, and the
// administrative commands that inspect and repair the processing log.
package main
