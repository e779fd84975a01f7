// Package safetensors reads and writes the safetensors weight format:
// an 8-byte little-endian header length, a JSON header describing every
// tensor (dtype, shape, byte offsets) plus an optional __metadata__ map,
// followed by the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"cellgan/internal/tensor"
)

// ErrNotFound is returned when a named tensor is absent from the file.
var ErrNotFound = errors.New("safetensors: tensor not found")

const metadataKey = "__metadata__"

// TensorInfo describes a tensor in the safetensors file
type TensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// File holds a parsed safetensors file
type File struct {
	Meta     map[string]TensorInfo
	Metadata map[string]string
	Data     []byte // raw tensor data (after header)
}

// Open reads and parses a safetensors file
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes an in-memory safetensors image
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	headerJSON := data[8 : 8+headerLen]
	tensorData := data[8+headerLen:]

	// The header may carry __metadata__, which is a string map and not a tensor
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	f := &File{Meta: make(map[string]TensorInfo), Metadata: map[string]string{}, Data: tensorData}
	for k, v := range raw {
		if k == metadataKey {
			if err := json.Unmarshal(v, &f.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", k, err)
		}
		size, err := dtypeSize(info.Dtype)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", k, err)
		}
		lo, hi := info.DataOffsets[0], info.DataOffsets[1]
		if lo < 0 || hi < lo || hi > len(tensorData) {
			return nil, fmt.Errorf("tensor %s: offsets [%d,%d) outside data (%d bytes)", k, lo, hi, len(tensorData))
		}
		if want := numel(info.Shape) * size; hi-lo != want {
			return nil, fmt.Errorf("tensor %s: %d bytes for shape %v %s, want %d", k, hi-lo, info.Shape, info.Dtype, want)
		}
		f.Meta[k] = info
	}
	return f, nil
}

// Names returns all tensor names in sorted order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Meta))
	for k := range f.Meta {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (f *File) Has(name string) bool {
	_, ok := f.Meta[name]
	return ok
}

// Shape returns the declared shape of a tensor
func (f *File) Shape(name string) ([]int, bool) {
	info, ok := f.Meta[name]
	if !ok {
		return nil, false
	}
	return append([]int{}, info.Shape...), true
}

// Float32 reads a tensor as float32 (converting from F16/BF16/I64 if needed)
func (f *File) Float32(name string) ([]float32, []int, error) {
	info, ok := f.Meta[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	raw := f.Data[info.DataOffsets[0]:info.DataOffsets[1]]
	n := numel(info.Shape)
	result := make([]float32, n)

	switch info.Dtype {
	case "F32":
		for i := 0; i < n; i++ {
			result[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := 0; i < n; i++ {
			result[i] = Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := 0; i < n; i++ {
			result[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case "I64":
		// num_batches_tracked counters and the like
		for i := 0; i < n; i++ {
			result[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}

	return result, append([]int{}, info.Shape...), nil
}

// Tensor reads a tensor into a *tensor.Tensor
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	data, shape, err := f.Float32(name)
	if err != nil {
		return nil, err
	}
	return tensor.From(data, shape), nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	case "I64":
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Float16ToFloat32 converts IEEE 754 half-precision to single-precision
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch {
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign << 31) // ±0
		}
		// Denormalized, renormalize for float32
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3FF
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	case exp == 0x1F:
		if mant == 0 {
			return math.Float32frombits((sign << 31) | 0x7F800000) // ±Inf
		}
		return math.Float32frombits((sign << 31) | 0x7FC00000) // NaN
	default:
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	}
}
