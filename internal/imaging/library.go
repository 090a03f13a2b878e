// Package imaging drives the external image processing tool that does the
// numerical work of each automated step. The pipeline treats the tool as a
// black box: it names input and output files and checks that the outputs
// exist afterwards. Nothing here touches the processing log or review locks.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/config"
	"dtiqc/internal/logging"
)

const outputTail = 20

// Library is the set of imaging operations the pipeline steps call.
type Library interface {
	DenoiseMask(ctx context.Context, req DenoiseMask) error
	Register(ctx context.Context, req Register) error
	FitTensor(ctx context.Context, req FitTensor) error
	WarpLabels(ctx context.Context, req WarpLabels) error
	ROIStats(ctx context.Context, req ROIStats) error
	ApplyMask(ctx context.Context, req ApplyMask) error
}

// DenoiseMask denoises the diffusion series and computes a brain mask.
type DenoiseMask struct {
	DWI, BVal, BVec string
	Denoised, Mask  string
}

// Register aligns every volume to the averaged b0 and rotates the gradient
// directions to match.
type Register struct {
	DWI, BVal, BVec string
	Mask            string
	Registered      string
	RegisteredBVec  string
}

// FitTensor fits the diffusion tensor inside Mask and writes one map per
// measure.
type FitTensor struct {
	DWI, BVal, BVec string
	Mask            string
	// Measures maps a measure name (fa, md, ...) to its output path.
	Measures map[string]string
}

// WarpLabels registers the FA map to the atlas template and carries the atlas
// labels back into subject space.
type WarpLabels struct {
	FA             string
	Template       string
	TemplateLabels string
	WarpedFA       string
	WarpedLabels   string
}

// ROIStats summarizes each measure map within each labelled region.
type ROIStats struct {
	Labels string
	Lookup string
	// Measures maps a measure name to its map; Tables maps it to the CSV to write.
	Measures map[string]string
	Tables   map[string]string
}

// ApplyMask zeroes everything outside Mask.
type ApplyMask struct {
	DWI    string
	Mask   string
	Masked string
}

// ToolError is returned when the tool exits with an error or does not write
// an expected output. Output holds the last lines the tool printed.
type ToolError struct {
	Op     string
	Err    error
	Output []string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	if len(e.Output) > 0 {
		msg += " (" + e.Output[len(e.Output)-1] + ")"
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// ErrOutputMissing marks a tool run that exited cleanly without writing an
// expected file.
var ErrOutputMissing = errors.New("output not written")

// Option configures the Tool.
type Option func(*Tool)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(t *Tool) {
		if exec != nil {
			t.exec = exec
		}
	}
}

// WithLogger sets the logger tool output is forwarded to at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tool) {
		t.logger = logging.NewComponentLogger(logger, "imaging")
	}
}

// Tool implements Library by invoking one binary as
// <binary> <op> --in key=path... --out key=path...
type Tool struct {
	binary  string
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
}

// New constructs a Tool for binary. A zero timeout disables the limit.
func New(binary string, timeout time.Duration, opts ...Option) (*Tool, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("imaging tool binary required")
	}
	t := &Tool{
		binary:  binary,
		timeout: timeout,
		exec:    commandExecutor{},
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewFromConfig builds the Tool configured in cfg.Tools.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Tool, error) {
	return New(cfg.Tools.ImagingTool, cfg.StepTimeout(), WithLogger(logger))
}

type arg struct {
	key  string
	path string
}

func mapArgs(prefix string, m map[string]string) []arg {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]arg, len(keys))
	for i, k := range keys {
		out[i] = arg{key: prefix + k, path: m[k]}
	}
	return out
}

func (t *Tool) DenoiseMask(ctx context.Context, req DenoiseMask) error {
	return t.run(ctx, "denoise-mask",
		[]arg{{"dwi", req.DWI}, {"bval", req.BVal}, {"bvec", req.BVec}},
		[]arg{{"denoised", req.Denoised}, {"mask", req.Mask}})
}

func (t *Tool) Register(ctx context.Context, req Register) error {
	in := []arg{{"dwi", req.DWI}, {"bval", req.BVal}, {"bvec", req.BVec}}
	if req.Mask != "" {
		in = append(in, arg{"mask", req.Mask})
	}
	return t.run(ctx, "register", in,
		[]arg{{"dwi", req.Registered}, {"bvec", req.RegisteredBVec}})
}

func (t *Tool) FitTensor(ctx context.Context, req FitTensor) error {
	if len(req.Measures) == 0 {
		return errors.New("fit-tensor: no measures requested")
	}
	return t.run(ctx, "fit-tensor",
		[]arg{{"dwi", req.DWI}, {"bval", req.BVal}, {"bvec", req.BVec}, {"mask", req.Mask}},
		mapArgs("", req.Measures))
}

func (t *Tool) WarpLabels(ctx context.Context, req WarpLabels) error {
	return t.run(ctx, "warp-labels",
		[]arg{{"fa", req.FA}, {"template", req.Template}, {"labels", req.TemplateLabels}},
		[]arg{{"fa", req.WarpedFA}, {"labels", req.WarpedLabels}})
}

func (t *Tool) ROIStats(ctx context.Context, req ROIStats) error {
	in := append([]arg{{"labels", req.Labels}, {"lookup", req.Lookup}}, mapArgs("", req.Measures)...)
	return t.run(ctx, "roi-stats", in, mapArgs("", req.Tables))
}

func (t *Tool) ApplyMask(ctx context.Context, req ApplyMask) error {
	return t.run(ctx, "apply-mask",
		[]arg{{"dwi", req.DWI}, {"mask", req.Mask}},
		[]arg{{"dwi", req.Masked}})
}

func (t *Tool) run(ctx context.Context, op string, in, out []arg) error {
	paths := make([]string, len(in))
	for i, a := range in {
		paths[i] = a.path
	}
	if err := artifacts.Require(paths...); err != nil {
		return err
	}

	args := []string{op}
	for _, a := range in {
		args = append(args, "--in", a.key+"="+a.path)
	}
	for _, a := range out {
		if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
			return fmt.Errorf("%s: create output dir: %w", op, err)
		}
		args = append(args, "--out", a.key+"="+a.path)
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var tail []string
	started := time.Now()
	t.logger.Debug("imaging tool started",
		logging.String("op", op),
		logging.String("command", t.binary+" "+strings.Join(args, " ")),
	)
	err := t.exec.Run(runCtx, t.binary, args, func(line string) {
		t.logger.Debug("imaging tool output", logging.String("op", op), logging.String("line", line))
		tail = append(tail, line)
		if len(tail) > outputTail {
			tail = tail[1:]
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", t.timeout, err)
		}
		return &ToolError{Op: op, Err: err, Output: tail}
	}

	for _, a := range out {
		if _, statErr := os.Stat(a.path); statErr != nil {
			return &ToolError{Op: op, Err: fmt.Errorf("%w: %s", ErrOutputMissing, a.path), Output: tail}
		}
	}
	t.logger.Debug("imaging tool finished",
		logging.String("op", op),
		logging.Duration("duration", time.Since(started)),
	)
	return nil
}
