package dti

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/engine"
	"dtiqc/internal/imaging"
	"dtiqc/internal/proclog"
)

var (
	errEmptyStaging     = errors.New("empty staging set")
	errAmbiguousStaging = errors.New("ambiguous staging set")
)

// classify maps library and filesystem failures onto engine error kinds.
func classify(step, op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		missing *artifacts.MissingError
		toolErr *imaging.ToolError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &missing):
		return engine.InputMissing(step, missing.Path)
	case errors.Is(err, fs.ErrNotExist):
		return engine.Wrap(engine.KindInputMissing, step, op, "", err)
	case errors.Is(err, artifacts.ErrNotNIfTI),
		errors.Is(err, artifacts.ErrGradientMismatch),
		errors.Is(err, errEmptyStaging),
		errors.Is(err, errAmbiguousStaging):
		return engine.Wrap(engine.KindMalformedInput, step, op, "", err)
	case errors.Is(err, proclog.ErrDuplicate):
		return engine.Wrap(engine.KindDuplicateRecord, step, op, "", err)
	case errors.As(err, &toolErr):
		return engine.Wrap(engine.KindTool, step, toolErr.Op, "", err)
	default:
		return fmt.Errorf("%s %s: %w", step, op, err)
	}
}
