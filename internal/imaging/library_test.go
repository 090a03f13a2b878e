package imaging_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dtiqc/internal/artifacts"
	"dtiqc/internal/imaging"
)

type fakeExecutor struct {
	calls  [][]string
	write  bool
	lines  []string
	err    error
	block  bool
	binary string
}

func (f *fakeExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	f.binary = binary
	f.calls = append(f.calls, append([]string(nil), args...))
	for _, line := range f.lines {
		onLine(line)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if f.write {
		for i := 0; i < len(args)-1; i++ {
			if args[i] != "--out" {
				continue
			}
			_, path, _ := strings.Cut(args[i+1], "=")
			if err := os.WriteFile(path, []byte("out"), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func touch(t *testing.T, paths ...string) {
	t.Helper()
	for _, path := range paths {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("in"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestToolBuildsArgumentsAndCreatesOutputDirs(t *testing.T) {
	dir := t.TempDir()
	layout := artifacts.New(dir, "S001")
	touch(t, layout.DWI(), layout.BVal(), layout.BVec())

	exec := &fakeExecutor{write: true}
	tool, err := imaging.New("dti-tool", 0, imaging.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = tool.DenoiseMask(context.Background(), imaging.DenoiseMask{
		DWI: layout.DWI(), BVal: layout.BVal(), BVec: layout.BVec(),
		Denoised: layout.Denoised(), Mask: layout.MaskAuto(),
	})
	if err != nil {
		t.Fatalf("DenoiseMask failed: %v", err)
	}
	if exec.binary != "dti-tool" {
		t.Fatalf("unexpected binary %q", exec.binary)
	}
	want := []string{
		"denoise-mask",
		"--in", "dwi=" + layout.DWI(),
		"--in", "bval=" + layout.BVal(),
		"--in", "bvec=" + layout.BVec(),
		"--out", "denoised=" + layout.Denoised(),
		"--out", "mask=" + layout.MaskAuto(),
	}
	if got := exec.calls[0]; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected args:\n got %v\nwant %v", got, want)
	}
	if err := artifacts.Require(layout.Denoised(), layout.MaskAuto()); err != nil {
		t.Fatalf("expected outputs: %v", err)
	}
}

func TestToolSortsMeasureArguments(t *testing.T) {
	dir := t.TempDir()
	layout := artifacts.New(dir, "S001")
	touch(t, layout.Registered(), layout.BVal(), layout.RegisteredBVec(), layout.Mask())

	exec := &fakeExecutor{write: true}
	tool, _ := imaging.New("dti-tool", 0, imaging.WithExecutor(exec))
	err := tool.FitTensor(context.Background(), imaging.FitTensor{
		DWI: layout.Registered(), BVal: layout.BVal(), BVec: layout.RegisteredBVec(), Mask: layout.Mask(),
		Measures: map[string]string{"md": layout.Measure("md"), "fa": layout.Measure("fa")},
	})
	if err != nil {
		t.Fatalf("FitTensor failed: %v", err)
	}
	args := strings.Join(exec.calls[0], " ")
	if strings.Index(args, "fa=") > strings.Index(args, "md=") {
		t.Fatalf("expected measures in sorted order: %s", args)
	}
}

func TestToolRejectsMissingInputsWithoutRunning(t *testing.T) {
	dir := t.TempDir()
	layout := artifacts.New(dir, "S001")
	exec := &fakeExecutor{write: true}
	tool, _ := imaging.New("dti-tool", 0, imaging.WithExecutor(exec))

	err := tool.ApplyMask(context.Background(), imaging.ApplyMask{
		DWI: layout.Registered(), Mask: layout.Mask(), Masked: filepath.Join(dir, "masked.nii.gz"),
	})
	var missing *artifacts.MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingError, got %v", err)
	}
	if missing.Path != layout.Registered() {
		t.Fatalf("unexpected missing path %q", missing.Path)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("tool should not run with missing inputs")
	}
}

func TestToolReportsFailureWithOutputTail(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.nii.gz")
	touch(t, in, filepath.Join(dir, "mask.nii.gz"))

	exec := &fakeExecutor{err: errors.New("exit status 3"), lines: []string{"loading", "mask is empty"}}
	tool, _ := imaging.New("dti-tool", 0, imaging.WithExecutor(exec))
	err := tool.ApplyMask(context.Background(), imaging.ApplyMask{
		DWI: in, Mask: filepath.Join(dir, "mask.nii.gz"), Masked: filepath.Join(dir, "out.nii.gz"),
	})
	var toolErr *imaging.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Op != "apply-mask" || len(toolErr.Output) != 2 {
		t.Fatalf("unexpected tool error %+v", toolErr)
	}
	if !strings.Contains(err.Error(), "mask is empty") {
		t.Fatalf("expected last output line in message, got %q", err.Error())
	}
}

func TestToolReportsUnwrittenOutputs(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.nii.gz")
	touch(t, in, filepath.Join(dir, "mask.nii.gz"))

	tool, _ := imaging.New("dti-tool", 0, imaging.WithExecutor(&fakeExecutor{}))
	err := tool.ApplyMask(context.Background(), imaging.ApplyMask{
		DWI: in, Mask: filepath.Join(dir, "mask.nii.gz"), Masked: filepath.Join(dir, "out.nii.gz"),
	})
	if !errors.Is(err, imaging.ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", err)
	}
}

func TestToolTimeout(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.nii.gz")
	touch(t, in, filepath.Join(dir, "mask.nii.gz"))

	tool, _ := imaging.New("dti-tool", 20*time.Millisecond, imaging.WithExecutor(&fakeExecutor{block: true}))
	err := tool.ApplyMask(context.Background(), imaging.ApplyMask{
		DWI: in, Mask: filepath.Join(dir, "mask.nii.gz"), Masked: filepath.Join(dir, "out.nii.gz"),
	})
	var toolErr *imaging.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout message, got %q", err.Error())
	}
}

func TestToolReturnsCallerCancellation(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.nii.gz")
	touch(t, in, filepath.Join(dir, "mask.nii.gz"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tool, _ := imaging.New("dti-tool", 0, imaging.WithExecutor(&fakeExecutor{block: true}))
	err := tool.ApplyMask(ctx, imaging.ApplyMask{
		DWI: in, Mask: filepath.Join(dir, "mask.nii.gz"), Masked: filepath.Join(dir, "out.nii.gz"),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRequiresBinary(t *testing.T) {
	if _, err := imaging.New("  ", 0); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestDcm2niixArguments(t *testing.T) {
	dir := t.TempDir()
	dicom := filepath.Join(dir, "dicom")
	if err := os.MkdirAll(dicom, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	exec := &fakeExecutor{}
	conv, err := imaging.NewDcm2niix("dcm2niix", 0, imaging.WithExecutor(exec))
	if err != nil {
		t.Fatalf("NewDcm2niix failed: %v", err)
	}
	out := filepath.Join(dir, "stage")
	if err := conv.Convert(context.Background(), dicom, out, "S001"); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	want := "-z y -b n -f S001 -o " + out + " " + dicom
	if got := strings.Join(exec.calls[0], " "); got != want {
		t.Fatalf("unexpected args %q", got)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output dir: %v", err)
	}
}

func TestDcm2niixMissingSource(t *testing.T) {
	conv, _ := imaging.NewDcm2niix("dcm2niix", 0, imaging.WithExecutor(&fakeExecutor{}))
	err := conv.Convert(context.Background(), filepath.Join(t.TempDir(), "absent"), t.TempDir(), "S001")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
