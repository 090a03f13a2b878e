package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dtiqc/internal/config"
	"dtiqc/internal/dti"
	"dtiqc/internal/testsupport"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckTemplates(t *testing.T) {
	dir := t.TempDir()
	if result := CheckTemplates(dir); result.Passed {
		t.Fatal("expected failure for empty template dir")
	}
	for _, name := range []string{dti.TemplateFile, dti.TemplateLabelsFile, dti.LabelLookupFile} {
		testsupport.WriteFile(t, filepath.Join(dir, name), "x")
	}
	if result := CheckTemplates(dir); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckDatabase(t *testing.T) {
	if result := CheckDatabase(context.Background(), "sqlite", fakePinger{}); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckDatabase(context.Background(), "postgres", fakePinger{err: errors.New("refused")}); result.Passed {
		t.Fatal("expected failure when ping fails")
	}
}

func TestCheckRedis_MissingAddr(t *testing.T) {
	if result := CheckRedis(context.Background(), "", 0); result.Passed {
		t.Fatal("expected failure for missing addr")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, nil); results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("dcm2niix", "dti-tool"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	if err := os.MkdirAll(cfg.Paths.InputDir, 0o755); err != nil {
		t.Fatalf("mkdir input: %v", err)
	}
	cfg.Tools.TemplateDir = t.TempDir()
	for _, name := range []string{dti.TemplateFile, dti.TemplateLabelsFile, dti.LabelLookupFile} {
		testsupport.WriteFile(t, filepath.Join(cfg.Tools.TemplateDir, name), "x")
	}
	cfg.Review.Editor = "clearly-not-present-editor"

	results := RunAll(context.Background(), cfg, fakePinger{})
	names := map[string]Result{}
	for _, r := range results {
		names[r.Name] = r
	}
	for _, want := range []string{"Process directory", "Input directory", "Lock directory", "Atlas templates", "dcm2niix", "Imaging tool", "Editor", "Database (sqlite)"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("missing check %q in %v", want, results)
		}
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("expected only optional failures, got %v", failed)
	}
	if names["Editor"].Passed {
		t.Fatal("expected missing editor to be reported")
	}
}

func TestRunAll_SkipsLockDirForSQLBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Review.LockBackend = config.LockBackendSQL
	for _, r := range RunAll(context.Background(), cfg, nil) {
		if r.Name == "Lock directory" {
			t.Fatal("lock directory should not be checked for the sql backend")
		}
	}
}
