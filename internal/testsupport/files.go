package testsupport

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// WriteFile writes content to path, creating parent directories.
func WriteFile(t testing.TB, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteExecutable writes a script at path with the execute bit set.
func WriteExecutable(t testing.TB, path, script string) {
	t.Helper()

	WriteFile(t, path, script)
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
}

// WriteNIfTI writes a minimal little-endian NIfTI-1 image with the given
// dimensions, 2mm voxels, and a zeroed float32 payload of payloadVoxels
// values. Paths ending in .gz are gzip compressed.
func WriteNIfTI(t testing.TB, path string, payloadVoxels int, dims ...int) {
	t.Helper()

	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:4], 348)
	le.PutUint16(hdr[40:42], uint16(len(dims)))
	for i, d := range dims {
		le.PutUint16(hdr[42+2*i:44+2*i], uint16(d))
		le.PutUint32(hdr[80+4*i:84+4*i], math.Float32bits(2))
	}
	le.PutUint16(hdr[70:72], 16)
	le.PutUint16(hdr[72:74], 32)
	le.PutUint32(hdr[108:112], math.Float32bits(352))
	copy(hdr[344:348], "n+1\x00")

	var raw bytes.Buffer
	raw.Write(hdr)
	raw.Write(make([]byte, 4*payloadVoxels))

	data := raw.Bytes()
	if strings.HasSuffix(path, ".gz") {
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		if _, err := zw.Write(data); err != nil {
			t.Fatalf("gzip %s: %v", path, err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("gzip %s: %v", path, err)
		}
		data = compressed.Bytes()
	}
	WriteFile(t, path, string(data))
}

// WriteGradients writes FSL-style bval and bvec files describing volumes
// directions: one b0 followed by b=1000 shells.
func WriteGradients(t testing.TB, bval, bvec string, volumes int) {
	t.Helper()

	vals := make([]string, volumes)
	xs := make([]string, volumes)
	ys := make([]string, volumes)
	zs := make([]string, volumes)
	for i := range vals {
		vals[i], xs[i], ys[i], zs[i] = "1000", "1", "0", "0"
	}
	if volumes > 0 {
		vals[0], xs[0] = "0", "0"
	}
	WriteFile(t, bval, strings.Join(vals, " ")+"\n")
	WriteFile(t, bvec, strings.Join(xs, " ")+"\n"+strings.Join(ys, " ")+"\n"+strings.Join(zs, " ")+"\n")
}
