// Package artifacts names and inspects the files each pipeline step reads and
// writes under a case directory.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
)

// Stage directories inside a case directory.
const (
	StageDir    = "stage"
	PreregDir   = "prereg"
	RegDir      = "reg"
	TenfitDir   = "tenfit"
	ROIStatsDir = "roistats"
)

// Measures are the scalar tensor maps written by the fit and summarized per
// region.
var Measures = []string{"fa", "md", "ga", "ad", "rd"}

// Layout resolves artifact paths for one case:
// <subjects>/<code>/<stage>/<code>_<name>.<ext>.
type Layout struct {
	Root string
	Code string
}

// New returns the layout of code under subjectsDir.
func New(subjectsDir, code string) Layout {
	return Layout{Root: subjectsDir, Code: code}
}

// CaseDir is the directory holding every artifact of the case.
func (l Layout) CaseDir() string {
	return filepath.Join(l.Root, l.Code)
}

// Dir returns the directory of one stage.
func (l Layout) Dir(stage string) string {
	return filepath.Join(l.CaseDir(), stage)
}

func (l Layout) file(stage, suffix string) string {
	return filepath.Join(l.Dir(stage), l.Code+suffix)
}

// Ensure creates every stage directory.
func (l Layout) Ensure() error {
	for _, stage := range []string{StageDir, PreregDir, RegDir, TenfitDir, ROIStatsDir} {
		if err := os.MkdirAll(l.Dir(stage), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", l.Dir(stage), err)
		}
	}
	return nil
}

func (l Layout) DWI() string { return l.file(StageDir, ".nii.gz") }
func (l Layout) BVal() string { return l.file(StageDir, ".bval") }
func (l Layout) BVec() string { return l.file(StageDir, ".bvec") }

// Denoised is the denoised diffusion series before masking.
func (l Layout) Denoised() string { return l.file(PreregDir, "_denoised.nii.gz") }

// MaskAuto is the brain mask as produced by the tool. It is never edited.
func (l Layout) MaskAuto() string { return l.file(PreregDir, "_mask_auto.nii.gz") }

// Mask is the reviewer's working copy of MaskAuto and the mask every later
// step consumes.
func (l Layout) Mask() string { return l.file(PreregDir, "_mask.nii.gz") }

func (l Layout) Registered() string { return l.file(RegDir, "_reg.nii.gz") }
func (l Layout) RegisteredBVec() string { return l.file(RegDir, "_reg.bvec") }

// Masked is the registered series with the final mask applied.
func (l Layout) Masked() string { return l.file(RegDir, "_reg_masked.nii.gz") }

// Measure is the tensor map for one of Measures.
func (l Layout) Measure(measure string) string {
	return l.file(TenfitDir, "_"+measure+".nii.gz")
}

func (l Layout) WarpedFA() string { return l.file(TenfitDir, "_warped_fa.nii.gz") }
func (l Layout) WarpedLabels() string { return l.file(TenfitDir, "_warped_labels.nii.gz") }

// ROICSV is the per-region statistics table for one measure.
func (l Layout) ROICSV(measure string) string {
	return l.file(ROIStatsDir, "_"+measure+"_roi.csv")
}

// Require returns a *MissingError for the first path that does not exist.
func Require(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return &MissingError{Path: path}
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return nil
}

// MissingError reports an artifact that should exist but does not.
type MissingError struct {
	Path string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s not found", e.Path)
}
