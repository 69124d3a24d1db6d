// Package safetensors reads the HuggingFace safetensors container format:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype/shape/offsets, then the raw data payload.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// TensorInfo describes one tensor entry in the header.
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// File is an opened safetensors file with its payload in memory.
type File struct {
	Path   string
	Header map[string]TensorInfo
	data   []byte
	offset int64
}

// Open reads path and parses its header.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "safetensors: read")
	}
	if len(data) < 8 {
		return nil, errors.Errorf("safetensors: %s too short for a header length", path)
	}
	headerLen := binary.LittleEndian.Uint64(data)
	if headerLen > uint64(len(data)-8) {
		return nil, errors.Errorf("safetensors: header length %d exceeds file size in %s", headerLen, path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, errors.Wrap(err, "safetensors: parse header")
	}
	header := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, errors.Wrapf(err, "safetensors: parse entry %s", name)
		}
		header[name] = ti
	}

	return &File{Path: path, Header: header, data: data, offset: int64(8 + headerLen)}, nil
}

// Names lists the tensor names in the file, sorted.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Header))
	for name := range f.Header {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadRaw returns the raw payload bytes of a named tensor.
func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	ti, ok := f.Header[name]
	if !ok {
		return nil, TensorInfo{}, errors.Errorf("safetensors: tensor %s not found in %s", name, f.Path)
	}
	start := f.offset + ti.DataOffsets[0]
	end := f.offset + ti.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(f.data)) {
		return nil, TensorInfo{}, errors.Errorf("safetensors: bad offsets %v for %s", ti.DataOffsets, name)
	}
	return f.data[start:end], ti, nil
}

// ReadFloat32 reads a tensor and converts it to float32. F32, F16 and BF16
// payloads are supported.
func (f *File) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	switch strings.ToUpper(ti.Dtype) {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, TensorInfo{}, errors.Errorf("safetensors: F32 payload of %s not a multiple of 4", name)
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, ti, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, TensorInfo{}, errors.Errorf("safetensors: F16 payload of %s not a multiple of 2", name)
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, ti, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, TensorInfo{}, errors.Errorf("safetensors: BF16 payload of %s not a multiple of 2", name)
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			// bfloat16 is the high half of an IEEE-754 single.
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, ti, nil
	default:
		return nil, TensorInfo{}, errors.Errorf("safetensors: unsupported dtype %s for %s", ti.Dtype, name)
	}
}
