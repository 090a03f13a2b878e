// Package pipeline declares the static step graph the engine drives.
//
// A StepDefinition names a step, its predecessors, whether it is interactive,
// the outcome table that resolves the next step, and the run closure that does
// the work. Definitions are plain values composed into an ordered Registry;
// there is no per-step type hierarchy. The registry validates the graph once
// at construction (unique names, predecessors declared earlier, next steps
// known) and answers ancestry questions such as "which steps are upstream of
// ApplyMask" for redo detection and "which steps follow MaskQC" for cascading
// resets.
package pipeline
