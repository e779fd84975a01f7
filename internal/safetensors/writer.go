package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"cellgan/internal/tensor"
)

// Encode serialises tensors as F32 in sorted name order. The header is padded
// with spaces to an 8-byte boundary.
func Encode(tensors map[string]*tensor.Tensor, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for k := range tensors {
		if k == metadataKey {
			return nil, fmt.Errorf("tensor name %q is reserved", k)
		}
		names = append(names, k)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		if len(t.Data) != t.Numel() {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v", name, len(t.Data), t.Shape)
		}
		size := len(t.Data) * 4
		header[name] = TensorInfo{Dtype: "F32", Shape: t.Shape, DataOffsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	buf := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerJSON)))
	copy(buf[8:], headerJSON)
	pos := 8 + len(headerJSON)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(v))
			pos += 4
		}
	}
	return buf, nil
}

// Write encodes tensors and writes them to path
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	data, err := Encode(tensors, metadata)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
