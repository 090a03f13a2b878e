package dti

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/config"
	"dtiqc/internal/imaging"
	"dtiqc/internal/logging"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
	"dtiqc/internal/review"
)

// Step names.
const (
	StepStage       = "Stage"
	StepPreregister = "Preregister"
	StepRegister    = "Register"
	StepTensorFit   = "TensorFit"
	StepRoiStats    = "RoiStats"
	StepMaskQC      = "MaskQC"
	StepApplyMask   = "ApplyMask"
	StepWarpQC      = "WarpQC"
	StepStoreStats  = "StoreStats"
)

// Atlas files expected in the configured template directory.
const (
	TemplateFile       = "fa_template.nii.gz"
	TemplateLabelsFile = "fa_labels.nii.gz"
	LabelLookupFile    = "labels.csv"
)

// StatsWriter persists per-region statistics.
type StatsWriter interface {
	InsertROIStats(ctx context.Context, stats []proclog.ROIStat) error
}

// Options wires a Catalog. Config, Library, Converter, and Stats are required.
// A nil Reviewer falls back to a terminal session on stdin/stdout.
type Options struct {
	Config    *config.Config
	Library   imaging.Library
	Converter imaging.Converter
	Reviewer  review.Reviewer
	Stats     StatsWriter
	Logger    *slog.Logger
}

// Catalog builds the DTI step definitions.
type Catalog struct {
	subjectsDir    string
	inputDir       string
	dicomSubfolder string
	templateDir    string
	lib            imaging.Library
	conv           imaging.Converter
	reviewer       review.Reviewer
	stats          StatsWriter
	logger         *slog.Logger
}

// NewCatalog validates opts.
func NewCatalog(opts Options) (*Catalog, error) {
	if opts.Config == nil {
		return nil, errors.New("dti catalog requires config")
	}
	if opts.Library == nil {
		return nil, errors.New("dti catalog requires an imaging library")
	}
	if opts.Converter == nil {
		return nil, errors.New("dti catalog requires a DICOM converter")
	}
	if opts.Stats == nil {
		return nil, errors.New("dti catalog requires a statistics store")
	}
	reviewer := opts.Reviewer
	if reviewer == nil {
		reviewer = review.NewTerminal(os.Stdin, os.Stdout, review.NewEditor(opts.Config))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Catalog{
		subjectsDir:    opts.Config.SubjectsDir(),
		inputDir:       opts.Config.Paths.InputDir,
		dicomSubfolder: opts.Config.Tools.DicomSubfolder,
		templateDir:    opts.Config.Tools.TemplateDir,
		lib:            opts.Library,
		conv:           opts.Converter,
		reviewer:       reviewer,
		stats:          opts.Stats,
		logger:         logging.NewComponentLogger(logger, "dti"),
	}, nil
}

// Steps returns the step definitions in declaration order.
func (c *Catalog) Steps() []pipeline.StepDefinition {
	return []pipeline.StepDefinition{
		{
			Name:        StepStage,
			Description: "Convert or copy the raw scan into the case directory",
			Next:        StepPreregister,
			Run:         c.stage,
		},
		{
			Name:         StepPreregister,
			Description:  "Denoise the series and compute the brain mask",
			Predecessors: []string{StepStage},
			Next:         StepRegister,
			Run:          c.preregister,
		},
		{
			Name:         StepRegister,
			Description:  "Align volumes to the averaged b0",
			Predecessors: []string{StepPreregister},
			Next:         StepTensorFit,
			Run:          c.register,
		},
		{
			Name:         StepTensorFit,
			Description:  "Fit the tensor and warp atlas labels",
			Predecessors: []string{StepRegister},
			Next:         StepRoiStats,
			Run:          c.tensorFit,
		},
		{
			Name:         StepRoiStats,
			Description:  "Summarize each measure per atlas region",
			Predecessors: []string{StepTensorFit},
			Next:         StepMaskQC,
			Run:          c.roiStats,
		},
		{
			Name:         StepMaskQC,
			Description:  "Review and optionally edit the brain mask",
			Predecessors: []string{StepRoiStats},
			Interactive:  true,
			Editable:     true,
			Outcomes: pipeline.OutcomeTable{
				proclog.OutcomePass: StepApplyMask,
				proclog.OutcomeEdit: StepApplyMask,
				proclog.OutcomeFail: "",
			},
			Run: c.maskQC,
		},
		{
			Name:         StepApplyMask,
			Description:  "Re-fit with the final mask",
			Predecessors: []string{StepMaskQC},
			Next:         StepWarpQC,
			Run:          c.applyMask,
		},
		{
			Name:         StepWarpQC,
			Description:  "Review the warped atlas labels",
			Predecessors: []string{StepApplyMask},
			Interactive:  true,
			Outcomes: pipeline.OutcomeTable{
				proclog.OutcomePass: StepStoreStats,
				proclog.OutcomeFail: "",
			},
			Run: c.warpQC,
		},
		{
			Name:         StepStoreStats,
			Description:  "Store region statistics in the database",
			Predecessors: []string{StepWarpQC},
			Run:          c.storeStats,
		},
	}
}

// Registry builds a pipeline.Registry from Steps.
func (c *Catalog) Registry() (*pipeline.Registry, error) {
	return pipeline.NewRegistry(c.Steps()...)
}

func (c *Catalog) layout(code string) artifacts.Layout {
	return artifacts.New(c.subjectsDir, code)
}

func (c *Catalog) template(name string) string {
	return filepath.Join(c.templateDir, name)
}

func (c *Catalog) stepLogger(inv pipeline.Invocation) *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return c.logger
}

func measureMap(path func(string) string) map[string]string {
	out := make(map[string]string, len(artifacts.Measures))
	for _, m := range artifacts.Measures {
		out[m] = path(m)
	}
	return out
}
