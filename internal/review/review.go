// Package review defines the reviewer contract used by QC steps and a
// terminal implementation of it.
//
// A QC step builds a Request describing what to look at, hands it to a
// Reviewer, and validates the returned Verdict against the overlay on disk
// before anything reaches the processing log. The reviewer may change the
// working overlay; it never touches the original.
package review

import (
	"context"
	"errors"
	"fmt"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/proclog"
)

// Mode selects how a request is presented.
type Mode string

const (
	// ModeMask shows a binary mask over the image and allows editing it.
	ModeMask Mode = "mask"
	// ModeWarp shows warped atlas labels over the image. Labels are not edited.
	ModeWarp Mode = "warp"
)

var (
	ErrNoVerdict     = errors.New("result not selected")
	ErrNoEdits       = errors.New("no edits detected")
	ErrEditsDetected = errors.New("edits detected")
	ErrEditDisabled  = errors.New("editing is not enabled for this step")
)

// Request describes one review.
type Request struct {
	Code        string
	Step        string
	Mode        Mode
	ImagePath   string
	OverlayPath string
	// OriginalOverlayPath is the unedited overlay OverlayPath is compared
	// against. Empty when editing is disabled.
	OriginalOverlayPath string
	EditEnabled         bool
}

// Verdict is the reviewer's decision. Outcome is one of Pass, Fail, Edit, or
// Cancelled; Reason qualifies Cancelled only.
type Verdict struct {
	Outcome proclog.Outcome
	Reason  proclog.Reason
	Comment string
}

// Reviewer presents a request to a human and returns the verdict. It returns
// an error only when the session itself fails or ctx is cancelled.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Verdict, error)
}

// Func adapts a function to the Reviewer interface.
type Func func(ctx context.Context, req Request) (Verdict, error)

func (f Func) Review(ctx context.Context, req Request) (Verdict, error) { return f(ctx, req) }

// Edited reports whether the working overlay differs from the original.
func Edited(req Request) (bool, error) {
	if !req.EditEnabled || req.OriginalOverlayPath == "" {
		return false, nil
	}
	same, err := artifacts.SameContent(req.OriginalOverlayPath, req.OverlayPath)
	if err != nil {
		return false, fmt.Errorf("compare overlays: %w", err)
	}
	return !same, nil
}

// Validate checks a verdict against the state of the overlay. Cancelled is
// always accepted.
func Validate(req Request, v Verdict, edited bool) error {
	switch v.Outcome {
	case "":
		return ErrNoVerdict
	case proclog.OutcomeCancelled:
		return nil
	case proclog.OutcomePass, proclog.OutcomeFail:
		if edited {
			return ErrEditsDetected
		}
		return nil
	case proclog.OutcomeEdit:
		if !req.EditEnabled {
			return ErrEditDisabled
		}
		if !edited {
			return ErrNoEdits
		}
		return nil
	default:
		return fmt.Errorf("%s is not a review verdict", v.Outcome)
	}
}

// ClearEdits restores the working overlay from the original.
func ClearEdits(req Request) error {
	if !req.EditEnabled || req.OriginalOverlayPath == "" {
		return ErrEditDisabled
	}
	return artifacts.CopyVerified(req.OriginalOverlayPath, req.OverlayPath)
}
