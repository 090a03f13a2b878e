package dti

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/engine"
	"dtiqc/internal/logging"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
)

const convertDir = "dcm2niix"

// series is one NIfTI image with its gradient files.
type series struct {
	dwi, bval, bvec string
}

// findSeries lists the NIfTI images in dir that have matching .bval and .bvec
// files. found reports whether any NIfTI image was present at all.
func findSeries(dir string) (sets []series, found bool, err error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "*.{nii,nii.gz}")
	if err != nil {
		return nil, false, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)
	for _, name := range matches {
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".nii")
		s := series{
			dwi:  filepath.Join(dir, name),
			bval: filepath.Join(dir, base+".bval"),
			bvec: filepath.Join(dir, base+".bvec"),
		}
		if artifacts.Require(s.bval, s.bvec) == nil {
			sets = append(sets, s)
		}
	}
	return sets, len(matches) > 0, nil
}

func pickSeries(dir string) (series, error) {
	sets, found, err := findSeries(dir)
	if err != nil {
		return series{}, err
	}
	switch {
	case len(sets) == 1:
		return sets[0], nil
	case len(sets) > 1:
		return series{}, fmt.Errorf("%w: %d diffusion series in %s", errAmbiguousStaging, len(sets), dir)
	case found:
		return series{}, fmt.Errorf("%w: no image in %s has bval and bvec files", errEmptyStaging, dir)
	default:
		return series{}, fmt.Errorf("%w: no NIfTI images in %s", errEmptyStaging, dir)
	}
}

// stage copies a prepared NIfTI series from the intake directory, or converts
// the case's DICOM directory with dcm2niix, then checks the gradient tables
// against the image.
func (c *Catalog) stage(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	logger := c.stepLogger(inv)
	layout := c.layout(inv.Code)
	if err := layout.Ensure(); err != nil {
		return pipeline.Result{}, classify(inv.Step, "prepare", err)
	}

	src := filepath.Join(c.inputDir, inv.Code)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return pipeline.Result{}, engine.InputMissing(inv.Step, src)
		}
		return pipeline.Result{}, classify(inv.Step, "read", err)
	}

	sets, found, err := findSeries(src)
	if err != nil {
		return pipeline.Result{}, classify(inv.Step, "scan", err)
	}

	var picked series
	var source string
	switch {
	case len(sets) > 0 || found:
		picked, err = pickSeries(src)
		if err != nil {
			return pipeline.Result{}, classify(inv.Step, "scan", err)
		}
		source = "nifti"
	default:
		picked, err = c.convert(ctx, inv, src, layout)
		if err != nil {
			return pipeline.Result{}, err
		}
		source = "dicom"
	}

	for _, pair := range [][2]string{
		{picked.dwi, layout.DWI()},
		{picked.bval, layout.BVal()},
		{picked.bvec, layout.BVec()},
	} {
		if err := artifacts.CopyVerified(pair[0], pair[1]); err != nil {
			return pipeline.Result{}, classify(inv.Step, "copy", err)
		}
	}
	if source == "dicom" {
		if err := os.RemoveAll(layout.Dir(filepath.Join(artifacts.StageDir, convertDir))); err != nil {
			logging.WarnWithContext(logger, "failed to remove conversion output", "stage_cleanup",
				logging.Error(err),
				logging.String(logging.FieldImpact, "converted files remain in the stage directory"),
			)
		}
	}

	if err := artifacts.CheckGradients(layout.DWI(), layout.BVal(), layout.BVec()); err != nil {
		var missing *artifacts.MissingError
		if errors.As(err, &missing) || errors.Is(err, context.Canceled) {
			return pipeline.Result{}, classify(inv.Step, "validate", err)
		}
		return pipeline.Result{}, engine.Wrap(engine.KindMalformedInput, inv.Step, "validate", "", err)
	}
	logger.Info("case staged",
		logging.String("source", source),
		logging.String("dwi", layout.DWI()),
	)
	return pipeline.Result{Outcome: proclog.OutcomeDone}, nil
}

func (c *Catalog) convert(ctx context.Context, inv pipeline.Invocation, src string, layout artifacts.Layout) (series, error) {
	dicomDir := src
	if c.dicomSubfolder != "" {
		dicomDir = filepath.Join(src, c.dicomSubfolder)
	}
	if err := artifacts.Require(dicomDir); err != nil {
		return series{}, classify(inv.Step, "read", err)
	}
	if empty, err := isEmptyDir(dicomDir); err != nil {
		return series{}, classify(inv.Step, "read", err)
	} else if empty {
		return series{}, classify(inv.Step, "read", fmt.Errorf("%w: %s has no files", errEmptyStaging, dicomDir))
	}

	out := layout.Dir(filepath.Join(artifacts.StageDir, convertDir))
	if err := os.RemoveAll(out); err != nil {
		return series{}, classify(inv.Step, "convert", err)
	}
	if err := c.conv.Convert(ctx, dicomDir, out, inv.Code); err != nil {
		return series{}, classify(inv.Step, "convert", err)
	}
	picked, err := pickSeries(out)
	if err != nil {
		return series{}, classify(inv.Step, "convert", err)
	}
	return picked, nil
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
