package dti

import (
	"context"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/engine"
	"dtiqc/internal/imaging"
	"dtiqc/internal/logging"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
)

var done = pipeline.Result{Outcome: proclog.OutcomeDone}

func (c *Catalog) preregister(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	err := c.lib.DenoiseMask(ctx, imaging.DenoiseMask{
		DWI:      layout.DWI(),
		BVal:     layout.BVal(),
		BVec:     layout.BVec(),
		Denoised: layout.Denoised(),
		Mask:     layout.MaskAuto(),
	})
	if err != nil {
		return pipeline.Result{}, classify(inv.Step, "denoise", err)
	}
	// A fresh automatic mask discards any earlier review edits.
	if err := artifacts.CopyVerified(layout.MaskAuto(), layout.Mask()); err != nil {
		return pipeline.Result{}, classify(inv.Step, "copy mask", err)
	}
	return done, nil
}

func (c *Catalog) register(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	err := c.lib.Register(ctx, imaging.Register{
		DWI:            layout.Denoised(),
		BVal:           layout.BVal(),
		BVec:           layout.BVec(),
		Mask:           layout.MaskAuto(),
		Registered:     layout.Registered(),
		RegisteredBVec: layout.RegisteredBVec(),
	})
	if err != nil {
		return pipeline.Result{}, classify(inv.Step, "register", err)
	}
	return done, nil
}

func (c *Catalog) tensorFit(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	if err := c.fitAndWarp(ctx, inv.Step, layout, layout.Registered(), layout.MaskAuto()); err != nil {
		return pipeline.Result{}, err
	}
	return done, nil
}

func (c *Catalog) roiStats(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	if err := c.summarize(ctx, inv.Step, c.layout(inv.Code)); err != nil {
		return pipeline.Result{}, err
	}
	return done, nil
}

// applyMask re-runs the fit, warp, and summary on the registered series
// masked with the reviewed mask.
func (c *Catalog) applyMask(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	if inv.Redo {
		c.stepLogger(inv).Info("using edited mask", logging.String("mask", layout.Mask()))
	}
	err := c.lib.ApplyMask(ctx, imaging.ApplyMask{
		DWI:    layout.Registered(),
		Mask:   layout.Mask(),
		Masked: layout.Masked(),
	})
	if err != nil {
		return pipeline.Result{}, classify(inv.Step, "apply mask", err)
	}
	if err := c.fitAndWarp(ctx, inv.Step, layout, layout.Masked(), layout.Mask()); err != nil {
		return pipeline.Result{}, err
	}
	if err := c.summarize(ctx, inv.Step, layout); err != nil {
		return pipeline.Result{}, err
	}
	return done, nil
}

func (c *Catalog) fitAndWarp(ctx context.Context, step string, layout artifacts.Layout, dwi, mask string) error {
	err := c.lib.FitTensor(ctx, imaging.FitTensor{
		DWI:      dwi,
		BVal:     layout.BVal(),
		BVec:     layout.RegisteredBVec(),
		Mask:     mask,
		Measures: measureMap(layout.Measure),
	})
	if err != nil {
		return classify(step, "fit tensor", err)
	}
	err = c.lib.WarpLabels(ctx, imaging.WarpLabels{
		FA:             layout.Measure("fa"),
		Template:       c.template(TemplateFile),
		TemplateLabels: c.template(TemplateLabelsFile),
		WarpedFA:       layout.WarpedFA(),
		WarpedLabels:   layout.WarpedLabels(),
	})
	if err != nil {
		return classify(step, "warp labels", err)
	}
	return nil
}

func (c *Catalog) summarize(ctx context.Context, step string, layout artifacts.Layout) error {
	err := c.lib.ROIStats(ctx, imaging.ROIStats{
		Labels:   layout.WarpedLabels(),
		Lookup:   c.template(LabelLookupFile),
		Measures: measureMap(layout.Measure),
		Tables:   measureMap(layout.ROICSV),
	})
	if err != nil {
		return classify(step, "roi stats", err)
	}
	return nil
}

// storeStats loads every measure's region table and inserts them in one
// transaction. Stored rows are never overwritten; a second store for the
// same case fails until the case is reset with its statistics purged.
func (c *Catalog) storeStats(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
	layout := c.layout(inv.Code)
	var rows []proclog.ROIStat
	for _, measure := range artifacts.Measures {
		path := layout.ROICSV(measure)
		if err := artifacts.Require(path); err != nil {
			return pipeline.Result{}, classify(inv.Step, "read", err)
		}
		stats, err := artifacts.ReadROIStats(path, inv.Code, measure)
		if err != nil {
			return pipeline.Result{}, engine.Wrap(engine.KindMalformedInput, inv.Step, "read", "", err)
		}
		rows = append(rows, stats...)
	}
	if err := c.stats.InsertROIStats(ctx, rows); err != nil {
		return pipeline.Result{}, classify(inv.Step, "insert", err)
	}
	c.stepLogger(inv).Info("region statistics stored", logging.Int("rows", len(rows)))
	return done, nil
}
