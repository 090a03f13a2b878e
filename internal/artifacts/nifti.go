package artifacts

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
)

const niftiHeaderSize = 348

// ErrNotNIfTI is returned for files that do not carry a NIfTI-1 header.
var ErrNotNIfTI = errors.New("not a NIfTI-1 image")

// Header is the part of a NIfTI-1 header the pipeline checks.
type Header struct {
	// Dims holds the extent of each used dimension (dim[1..dim[0]]).
	Dims     []int
	Datatype int16
	BitPix   int16
	// PixDim holds the voxel spacing matching Dims.
	PixDim    []float64
	VoxOffset float64
	Magic     string
}

// Volumes is the length of the fourth dimension, or 1 for 3D images.
func (h Header) Volumes() int {
	if len(h.Dims) < 4 {
		return 1
	}
	return h.Dims[3]
}

// VoxelVolume is the size of one voxel in cubic millimetres.
func (h Header) VoxelVolume() float64 {
	if len(h.PixDim) < 3 {
		return 0
	}
	return h.PixDim[0] * h.PixDim[1] * h.PixDim[2]
}

// ReadHeader parses the NIfTI-1 header of path, which may be gzip
// compressed.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return Header{}, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	buf := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%s: %w: %v", path, ErrNotNIfTI, err)
	}
	hdr, err := parseHeader(buf)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return hdr, nil
}

func parseHeader(buf []byte) (Header, error) {
	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case binary.LittleEndian.Uint32(buf[0:4]) == niftiHeaderSize:
	case binary.BigEndian.Uint32(buf[0:4]) == niftiHeaderSize:
		order = binary.BigEndian
	default:
		return Header{}, ErrNotNIfTI
	}

	magic := string(buf[344:347])
	if magic != "n+1" && magic != "ni1" {
		return Header{}, fmt.Errorf("%w: magic %q", ErrNotNIfTI, magic)
	}

	ndim := int(int16(order.Uint16(buf[40:42])))
	if ndim < 1 || ndim > 7 {
		return Header{}, fmt.Errorf("%w: dim[0]=%d", ErrNotNIfTI, ndim)
	}
	hdr := Header{
		Dims:      make([]int, ndim),
		PixDim:    make([]float64, ndim),
		Datatype:  int16(order.Uint16(buf[70:72])),
		BitPix:    int16(order.Uint16(buf[72:74])),
		VoxOffset: float64(math.Float32frombits(order.Uint32(buf[108:112]))),
		Magic:     magic,
	}
	for i := 0; i < ndim; i++ {
		off := 42 + 2*i
		hdr.Dims[i] = int(int16(order.Uint16(buf[off : off+2])))
		poff := 80 + 4*i
		hdr.PixDim[i] = float64(math.Float32frombits(order.Uint32(buf[poff : poff+4])))
	}
	return hdr, nil
}
