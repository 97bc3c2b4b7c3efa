package model

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// toHalf packs float32 values as little-endian IEEE 754 half floats, the
// layout onnxruntime expects for float16 tensors.
func toHalf(data []float32) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// fromHalf unpacks little-endian half floats.
func fromHalf(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, errors.Errorf("float16 buffer has odd length %d", len(raw))
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
	return out, nil
}
