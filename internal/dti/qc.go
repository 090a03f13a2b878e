package dti

import (
	"context"
	"errors"
	"fmt"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/logging"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/review"
)

func (c *Catalog) maskQC(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	if err := artifacts.Require(layout.Denoised(), layout.MaskAuto()); err != nil {
		return pipeline.Result{}, classify(inv.Step, "read", err)
	}
	// The working mask survives an exited session so edits resume where the
	// reviewer left them.
	if err := artifacts.Require(layout.Mask()); err != nil {
		var missing *artifacts.MissingError
		if !errors.As(err, &missing) {
			return pipeline.Result{}, classify(inv.Step, "read", err)
		}
		if err := artifacts.CopyVerified(layout.MaskAuto(), layout.Mask()); err != nil {
			return pipeline.Result{}, classify(inv.Step, "copy mask", err)
		}
	}
	return c.review(ctx, inv, review.Request{
		Code:                inv.Code,
		Step:                inv.Step,
		Mode:                review.ModeMask,
		ImagePath:           layout.Denoised(),
		OverlayPath:         layout.Mask(),
		OriginalOverlayPath: layout.MaskAuto(),
		EditEnabled:         true,
	})
}

func (c *Catalog) warpQC(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	if err := artifacts.Require(layout.Measure("fa"), layout.WarpedLabels()); err != nil {
		return pipeline.Result{}, classify(inv.Step, "read", err)
	}
	return c.review(ctx, inv, review.Request{
		Code:        inv.Code,
		Step:        inv.Step,
		Mode:        review.ModeWarp,
		ImagePath:   layout.Measure("fa"),
		OverlayPath: layout.WarpedLabels(),
	})
}

// review hands req to the reviewer and checks the verdict against the overlay
// on disk before it becomes a step result.
func (c *Catalog) review(ctx context.Context, inv pipeline.Invocation, req review.Request) (pipeline.Result, error) {
	verdict, err := c.reviewer.Review(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Result{}, ctx.Err()
		}
		return pipeline.Result{}, fmt.Errorf("%s review: %w", inv.Step, err)
	}
	if verdict.Outcome == proclog.OutcomeCancelled {
		reason := verdict.Reason
		if reason == proclog.ReasonNone {
			reason = proclog.ReasonExited
		}
		return pipeline.Result{Outcome: proclog.OutcomeCancelled, Reason: reason, Comments: verdict.Comment}, nil
	}

	edited, err := review.Edited(req)
	if err != nil {
		return pipeline.Result{}, classify(inv.Step, "compare", err)
	}
	// A rejected verdict leaves the case open for the same reviewer instead
	// of halting it with an Error.
	if err := review.Validate(req, verdict, edited); err != nil {
		logging.WarnWithContext(c.stepLogger(inv), "review verdict rejected", "invalid_verdict",
			logging.String(logging.FieldOutcome, string(verdict.Outcome)),
			logging.Bool("edited", edited),
			logging.Error(err),
			logging.String(logging.FieldImpact, "case recorded as Cancelled and offered again"),
			logging.String(logging.FieldErrorHint, "review the case again with 'dtiqc qc "+inv.Step+" "+inv.Code+"'"),
		)
		comment := "verdict rejected: " + err.Error()
		if verdict.Comment != "" {
			comment += "; " + verdict.Comment
		}
		return pipeline.Result{Outcome: proclog.OutcomeCancelled, Reason: proclog.ReasonExited, Comments: comment}, nil
	}
	c.stepLogger(inv).Info("review verdict",
		logging.String(logging.FieldOutcome, string(verdict.Outcome)),
		logging.Bool("edited", edited),
	)
	return pipeline.Result{Outcome: verdict.Outcome, Comments: verdict.Comment}, nil
}
