package artifacts

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrGradientMismatch is returned when a bval or bvec file cannot be parsed, or
// when they and the diffusion series disagree on the number of volumes.
var ErrGradientMismatch = errors.New("gradient table mismatch")

// ReadBVals parses an FSL-style b-value file: whitespace separated numbers.
func ReadBVals(path string) ([]float64, error) {
	rows, err := readNumberRows(path)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, row := range rows {
		out = append(out, row...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has no b-values", ErrGradientMismatch, path)
	}
	return out, nil
}

// ReadBVecs parses a gradient direction file. Both the FSL layout (three rows
// of N values) and the transposed layout (N rows of three values) are
// accepted. The result has one [3]float64 per volume.
func ReadBVecs(path string) ([][3]float64, error) {
	rows, err := readNumberRows(path)
	if err != nil {
		return nil, err
	}
	switch {
	case len(rows) == 3 && len(rows[0]) == len(rows[1]) && len(rows[1]) == len(rows[2]) && len(rows[0]) != 3:
		out := make([][3]float64, len(rows[0]))
		for i := range out {
			out[i] = [3]float64{rows[0][i], rows[1][i], rows[2][i]}
		}
		return out, nil
	case len(rows) > 0:
		out := make([][3]float64, 0, len(rows))
		for i, row := range rows {
			if len(row) != 3 {
				return nil, fmt.Errorf("%w: %s line %d has %d values, want 3", ErrGradientMismatch, path, i+1, len(row))
			}
			out = append(out, [3]float64{row[0], row[1], row[2]})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s has no gradient directions", ErrGradientMismatch, path)
	}
}

// CheckGradients verifies that the diffusion series is 4D and that bval and
// bvec describe exactly one entry per volume.
func CheckGradients(dwi, bval, bvec string) error {
	hdr, err := ReadHeader(dwi)
	if err != nil {
		return err
	}
	if len(hdr.Dims) < 4 || hdr.Volumes() < 2 {
		return fmt.Errorf("%w: %s is not a 4D diffusion series (dims %v)", ErrGradientMismatch, dwi, hdr.Dims)
	}
	vals, err := ReadBVals(bval)
	if err != nil {
		return err
	}
	vecs, err := ReadBVecs(bvec)
	if err != nil {
		return err
	}
	if len(vals) != len(vecs) || len(vals) != hdr.Volumes() {
		return fmt.Errorf("%w: %d volumes, %d b-values, %d directions", ErrGradientMismatch, hdr.Volumes(), len(vals), len(vecs))
	}
	return nil
}

func readNumberRows(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows [][]float64
	for n, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %w", ErrGradientMismatch, path, n+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
