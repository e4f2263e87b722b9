package featurecache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/andresmejia3/frontline/internal/types"
)

// Descriptor element type codes, shared with OpenCV's Mat depth constants.
const (
	typeCV8U  int32 = 0
	typeCV32F int32 = 5
)

// maxEntries guards allocations driven by file headers.
const maxEntries = 1 << 20

// ErrCorrupt is returned when a cache file does not match its declared shape.
var ErrCorrupt = errors.New("featurecache: corrupt file")

// --- Keypoints: text (.kpts) ---
//
//	<count>
//	<x> <y> <size> <angle> <response> <octave>
//	...

// ReadKeypointsText parses the text keypoint format.
func ReadKeypointsText(r io.Reader) ([]types.Keypoint, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: missing keypoint count", ErrCorrupt)
	}
	n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || n < 0 || n > maxEntries {
		return nil, fmt.Errorf("%w: bad keypoint count %q", ErrCorrupt, sc.Text())
	}

	kps := make([]types.Keypoint, 0, n)
	for len(kps) < n && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("%w: keypoint %d has %d fields, want 6", ErrCorrupt, len(kps), len(fields))
		}
		var vals [5]float32
		for i := 0; i < 5; i++ {
			f, err := strconv.ParseFloat(fields[i], 32)
			if err != nil {
				return nil, fmt.Errorf("%w: keypoint %d: %v", ErrCorrupt, len(kps), err)
			}
			vals[i] = float32(f)
		}
		octave, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("%w: keypoint %d octave: %v", ErrCorrupt, len(kps), err)
		}
		kps = append(kps, types.Keypoint{
			X: vals[0], Y: vals[1], Size: vals[2], Angle: vals[3], Response: vals[4],
			Octave: int32(octave),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(kps) != n {
		return nil, fmt.Errorf("%w: expected %d keypoints, found %d", ErrCorrupt, n, len(kps))
	}
	return kps, nil
}

// WriteKeypointsText writes kps in the text format.
func WriteKeypointsText(w io.Writer, kps []types.Keypoint) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", len(kps))
	for _, kp := range kps {
		fmt.Fprintf(bw, "%g %g %g %g %g %d\n", kp.X, kp.Y, kp.Size, kp.Angle, kp.Response, kp.Octave)
	}
	return bw.Flush()
}

// --- Keypoints: binary (.kp) ---
//
// Little-endian uint32 count followed by count records of
// x, y, size, angle, response (float32) and octave (int32).

type keypointRecord struct {
	X, Y, Size, Angle, Response float32
	Octave                      int32
}

// ReadKeypointsBinary parses the binary keypoint format.
func ReadKeypointsBinary(r io.Reader) ([]types.Keypoint, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: keypoint header: %v", ErrCorrupt, err)
	}
	if n > maxEntries {
		return nil, fmt.Errorf("%w: keypoint count %d too large", ErrCorrupt, n)
	}
	recs := make([]keypointRecord, n)
	if err := binary.Read(r, binary.LittleEndian, recs); err != nil {
		return nil, fmt.Errorf("%w: keypoint records: %v", ErrCorrupt, err)
	}
	kps := make([]types.Keypoint, n)
	for i, rec := range recs {
		kps[i] = types.Keypoint(rec)
	}
	return kps, nil
}

// WriteKeypointsBinary writes kps in the binary format.
func WriteKeypointsBinary(w io.Writer, kps []types.Keypoint) error {
	recs := make([]keypointRecord, len(kps))
	for i, kp := range kps {
		recs[i] = keypointRecord(kp)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(recs))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, recs)
}

// --- Descriptors (.desc) ---
//
// Little-endian int32 rows, int32 cols, int32 element type, then the
// row-major matrix data.

// ReadDescriptors parses a descriptor matrix.
func ReadDescriptors(r io.Reader) (types.Descriptors, error) {
	var hdr [3]int32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return types.Descriptors{}, fmt.Errorf("%w: descriptor header: %v", ErrCorrupt, err)
	}
	rows, cols, typ := hdr[0], hdr[1], hdr[2]
	if rows < 0 || cols < 0 || rows > maxEntries || cols > 4096 {
		return types.Descriptors{}, fmt.Errorf("%w: descriptor shape %dx%d", ErrCorrupt, rows, cols)
	}

	var enc types.Encoding
	switch typ {
	case typeCV8U:
		enc = types.Uint8
	case typeCV32F:
		enc = types.Float32
	default:
		return types.Descriptors{}, fmt.Errorf("%w: unsupported descriptor type %d", ErrCorrupt, typ)
	}

	d := types.Descriptors{Rows: int(rows), Cols: int(cols), Encoding: enc}
	d.Data = make([]byte, d.Rows*d.RowBytes())
	if _, err := io.ReadFull(r, d.Data); err != nil {
		return types.Descriptors{}, fmt.Errorf("%w: descriptor data: %v", ErrCorrupt, err)
	}
	return d, nil
}

// WriteDescriptors writes d in the descriptor format.
func WriteDescriptors(w io.Writer, d types.Descriptors) error {
	typ := typeCV8U
	if d.Encoding == types.Float32 {
		typ = typeCV32F
	}
	hdr := [3]int32{int32(d.Rows), int32(d.Cols), typ}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err := w.Write(d.Data)
	return err
}

// Float32Descriptors packs float rows into a Float32 matrix.
func Float32Descriptors(rows [][]float32) types.Descriptors {
	d := types.Descriptors{Rows: len(rows), Encoding: types.Float32}
	if len(rows) == 0 {
		return d
	}
	d.Cols = len(rows[0])
	d.Data = make([]byte, 0, d.Rows*d.RowBytes())
	for _, row := range rows {
		for _, v := range row {
			d.Data = binary.LittleEndian.AppendUint32(d.Data, math.Float32bits(v))
		}
	}
	return d
}
