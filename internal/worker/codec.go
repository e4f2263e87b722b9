package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
)

// Wire format, all integers big-endian.
//
// Request:  [Count u32] [Conf f32] [NMS i32] [FAST i32]
//           Count x ( [Width u32] [Height u32] [Pix] )
//
// Response: [Status u8]
//           Status 0: [Count u32] Count x ( [NumKps u32] [Cols u32] [Enc u8]
//                     NumKps x [X Y Size Angle Response f32, Octave i32]
//                     [Descriptor data] )
//           Status 1: [MsgLen u32] [Msg]

const (
	statusOK    byte = 0
	statusError byte = 1

	maxResponse = 256 << 20
	maxBatch    = 4096
	maxKeypoint = 1 << 20
)

// ErrProtocol is returned for malformed engine messages.
var ErrProtocol = errors.New("engine protocol error")

// Features is the engine output for one image.
type Features struct {
	Keypoints   []types.Keypoint
	Descriptors types.Descriptors
}

type wireKeypoint struct {
	X, Y, Size, Angle, Response float32
	Octave                      int32
}

// EncodeRequest serialises a batch request.
func EncodeRequest(images []types.Image, th tuning.Thresholds) ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(images)))
	binary.Write(buf, binary.BigEndian, float32(th.Conf))
	binary.Write(buf, binary.BigEndian, int32(th.NMS))
	binary.Write(buf, binary.BigEndian, int32(th.FAST))
	for i, img := range images {
		if len(img.Pix) != img.Width*img.Height {
			return nil, fmt.Errorf("image %d: %d bytes for %dx%d", i, len(img.Pix), img.Width, img.Height)
		}
		binary.Write(buf, binary.BigEndian, uint32(img.Width))
		binary.Write(buf, binary.BigEndian, uint32(img.Height))
		buf.Write(img.Pix)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a batch request. Engines written in Go and test fakes use it.
func DecodeRequest(data []byte) ([]types.Image, tuning.Thresholds, error) {
	r := bytes.NewReader(data)
	var hdr struct {
		Count uint32
		Conf  float32
		NMS   int32
		FAST  int32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, tuning.Thresholds{}, fmt.Errorf("%w: request header: %v", ErrProtocol, err)
	}
	if hdr.Count > maxBatch {
		return nil, tuning.Thresholds{}, fmt.Errorf("%w: batch of %d images", ErrProtocol, hdr.Count)
	}
	th := tuning.Thresholds{Conf: float64(hdr.Conf), NMS: int(hdr.NMS), FAST: int(hdr.FAST)}

	images := make([]types.Image, hdr.Count)
	for i := range images {
		var dims [2]uint32
		if err := binary.Read(r, binary.BigEndian, &dims); err != nil {
			return nil, th, fmt.Errorf("%w: image %d header: %v", ErrProtocol, i, err)
		}
		n := int(dims[0]) * int(dims[1])
		if n > r.Len() {
			return nil, th, fmt.Errorf("%w: image %d truncated", ErrProtocol, i)
		}
		pix := make([]byte, n)
		io.ReadFull(r, pix)
		images[i] = types.Image{Width: int(dims[0]), Height: int(dims[1]), Pix: pix}
	}
	return images, th, nil
}

// EncodeResponse serialises a successful response.
func EncodeResponse(feats []Features) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(statusOK)
	binary.Write(buf, binary.BigEndian, uint32(len(feats)))
	for _, f := range feats {
		binary.Write(buf, binary.BigEndian, uint32(len(f.Keypoints)))
		binary.Write(buf, binary.BigEndian, uint32(f.Descriptors.Cols))
		buf.WriteByte(byte(f.Descriptors.Encoding))
		for _, kp := range f.Keypoints {
			binary.Write(buf, binary.BigEndian, wireKeypoint(kp))
		}
		buf.Write(f.Descriptors.Data)
	}
	return buf.Bytes()
}

// EncodeError serialises an error response.
func EncodeError(msg string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(statusError)
	binary.Write(buf, binary.BigEndian, uint32(len(msg)))
	buf.WriteString(msg)
	return buf.Bytes()
}

// DecodeResponse parses an engine response.
func DecodeResponse(data []byte) ([]Features, error) {
	r := bytes.NewReader(data)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty response", ErrProtocol)
	}

	if status != statusOK {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || int(msgLen) > r.Len() {
			return nil, fmt.Errorf("%w: unreadable error response", ErrProtocol)
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return nil, fmt.Errorf("engine error: %s", msg)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: result count: %v", ErrProtocol, err)
	}
	if count > maxBatch {
		return nil, fmt.Errorf("%w: %d results", ErrProtocol, count)
	}

	feats := make([]Features, count)
	for i := range feats {
		var hdr struct {
			NumKps uint32
			Cols   uint32
			Enc    uint8
		}
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("%w: result %d header: %v", ErrProtocol, i, err)
		}
		if hdr.NumKps > maxKeypoint || hdr.Enc > uint8(types.Float32) {
			return nil, fmt.Errorf("%w: result %d header %+v", ErrProtocol, i, hdr)
		}

		wire := make([]wireKeypoint, hdr.NumKps)
		if err := binary.Read(r, binary.BigEndian, wire); err != nil {
			return nil, fmt.Errorf("%w: result %d keypoints: %v", ErrProtocol, i, err)
		}
		kps := make([]types.Keypoint, len(wire))
		for j, w := range wire {
			kps[j] = types.Keypoint(w)
		}

		desc := types.Descriptors{Rows: int(hdr.NumKps), Cols: int(hdr.Cols), Encoding: types.Encoding(hdr.Enc)}
		n := desc.Rows * desc.RowBytes()
		if n > r.Len() {
			return nil, fmt.Errorf("%w: result %d descriptors truncated", ErrProtocol, i)
		}
		desc.Data = make([]byte, n)
		io.ReadFull(r, desc.Data)

		feats[i] = Features{Keypoints: kps, Descriptors: desc}
	}
	return feats, nil
}
