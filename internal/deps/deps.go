// Package deps locates the external programs dtiqc shells out to.
package deps

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"dtiqc/internal/config"
)

// ErrNotConfigured marks a tool whose command is blank in config.toml.
var ErrNotConfigured = errors.New("command not configured")

// Tool is an external program a step or review session runs.
type Tool struct {
	Name     string
	Command  string
	Purpose  string
	Optional bool
}

// Status is the lookup result for one Tool.
type Status struct {
	Tool
	// Path is the resolved executable; empty when Err is set.
	Path string
	Err  error
}

// Available reports whether the tool resolved to an executable.
func (s Status) Available() bool { return s.Err == nil }

// ForConfig lists the tools the configured pipeline needs. The editor is
// optional because reviews can proceed without opening images.
func ForConfig(cfg *config.Config) []Tool {
	return []Tool{
		{Name: "dcm2niix", Command: cfg.Tools.Dcm2niix, Purpose: "stages DICOM series"},
		{Name: "Imaging tool", Command: cfg.Tools.ImagingTool, Purpose: "runs every automated step"},
		{Name: "Editor", Command: cfg.Review.Editor, Purpose: "opens images during review", Optional: true},
	}
}

// Locate resolves each tool on PATH.
func Locate(tools ...Tool) []Status {
	statuses := make([]Status, len(tools))
	for i, tool := range tools {
		tool.Command = strings.TrimSpace(tool.Command)
		statuses[i] = Status{Tool: tool}
		if tool.Command == "" {
			statuses[i].Err = ErrNotConfigured
			continue
		}
		path, err := exec.LookPath(tool.Command)
		if err != nil {
			statuses[i].Err = fmt.Errorf("binary %q not found", tool.Command)
			continue
		}
		statuses[i].Path = path
	}
	return statuses
}

// Missing filters statuses down to required tools that did not resolve.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available() && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}
