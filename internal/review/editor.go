package review

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"dtiqc/internal/config"
)

// Editor opens an image and overlay in an external viewer and blocks until
// it exits.
type Editor interface {
	Open(ctx context.Context, image, overlay string) error
}

// ExecEditor runs a configured command. {image} and {overlay} in Args are
// replaced; when neither appears the two paths are appended.
type ExecEditor struct {
	Command string
	Args    []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewEditor returns the editor configured in cfg, or nil when none is set.
func NewEditor(cfg *config.Config) Editor {
	command := strings.TrimSpace(cfg.Review.Editor)
	if command == "" {
		return nil
	}
	return &ExecEditor{Command: command, Args: append([]string(nil), cfg.Review.EditorArgs...)}
}

func (e *ExecEditor) Open(ctx context.Context, image, overlay string) error {
	path, err := exec.LookPath(e.Command)
	if err != nil {
		return fmt.Errorf("overlay editor %s not found: %w", e.Command, err)
	}
	cmd := exec.CommandContext(ctx, path, e.args(image, overlay)...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("overlay editor %s: %w", e.Command, err)
	}
	return nil
}

func (e *ExecEditor) args(image, overlay string) []string {
	out := make([]string, 0, len(e.Args)+2)
	substituted := false
	for _, arg := range e.Args {
		if strings.Contains(arg, "{image}") || strings.Contains(arg, "{overlay}") {
			substituted = true
		}
		arg = strings.ReplaceAll(arg, "{image}", image)
		arg = strings.ReplaceAll(arg, "{overlay}", overlay)
		out = append(out, arg)
	}
	if !substituted {
		out = append(out, image, overlay)
	}
	return out
}
