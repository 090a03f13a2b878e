// Package dti declares the diffusion tensor pipeline: the nine steps from
// staging raw scans to storing per-region statistics, with two human review
// gates. Each step is a pipeline.StepDefinition whose run closure calls the
// imaging library or a reviewer and maps failures onto the engine's error
// kinds. Steps never write the processing log or touch review locks; the
// engine does both around every invocation.
package dti
