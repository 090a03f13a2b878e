package imaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dtiqc/internal/logging"
)

// Converter turns a DICOM series directory into NIfTI, bval, and bvec files
// named <name>.* inside outDir.
type Converter interface {
	Convert(ctx context.Context, dicomDir, outDir, name string) error
}

// Dcm2niix implements Converter with the dcm2niix binary.
type Dcm2niix struct {
	binary  string
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
}

// NewDcm2niix constructs a converter. The executor and logger options of the
// Tool apply here too.
func NewDcm2niix(binary string, timeout time.Duration, opts ...Option) (*Dcm2niix, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("dcm2niix binary required")
	}
	probe := &Tool{exec: commandExecutor{}, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(probe)
	}
	return &Dcm2niix{binary: binary, timeout: timeout, exec: probe.exec, logger: probe.logger}, nil
}

func (d *Dcm2niix) Convert(ctx context.Context, dicomDir, outDir, name string) error {
	info, err := os.Stat(dicomDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dicomDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := []string{"-z", "y", "-b", "n", "-f", name, "-o", outDir, dicomDir}
	var tail []string
	err = d.exec.Run(runCtx, d.binary, args, func(line string) {
		d.logger.Debug("dcm2niix output", logging.String("line", line))
		tail = append(tail, line)
		if len(tail) > outputTail {
			tail = tail[1:]
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ToolError{Op: "dcm2niix", Err: err, Output: tail}
	}
	return nil
}
