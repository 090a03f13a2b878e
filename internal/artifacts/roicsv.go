package artifacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"dtiqc/internal/proclog"
)

var roiColumns = []string{"name", "min", "max", "mean", "sd", "median", "volume"}

// ReadROIStats parses the statistics table for one measure. The first row is
// the header name,min,max,mean,sd,median,volume.
func ReadROIStats(path, code, measure string) ([]proclog.ROIStat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: empty statistics table", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(header) != len(roiColumns) || !strings.EqualFold(header[0], roiColumns[0]) {
		return nil, fmt.Errorf("%s: unexpected header %v", path, header)
	}

	var out []proclog.ROIStat
	for line := 2; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		values := make([]float64, len(record)-1)
		for i, field := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: line %d column %s: %w", path, line, roiColumns[i+1], err)
			}
			values[i] = v
		}
		out = append(out, proclog.ROIStat{
			Code:    code,
			Measure: measure,
			ROI:     strings.TrimSpace(record[0]),
			Min:     values[0],
			Max:     values[1],
			Mean:    values[2],
			SD:      values[3],
			Median:  values[4],
			Volume:  values[5],
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no regions", path)
	}
	return out, nil
}
