// Package intake finds case directories in the input directory, either once
// for a batch run or continuously while new scans arrive.
package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches every top-level directory.
const DefaultPattern = "*"

// Discover returns the codes of the case directories under inputDir whose
// names match pattern, sorted. Hidden directories are skipped.
func Discover(inputDir, pattern string) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid case pattern %q", pattern)
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var codes []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if Match(pattern, entry.Name()) {
			codes = append(codes, entry.Name())
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// Match reports whether a case directory name matches pattern.
func Match(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, filepath.Base(name))
	return err == nil && ok
}
