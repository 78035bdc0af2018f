package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/wgpu/hal"
)

// CreateStorage creates a storage buffer of at least size bytes that can be
// written from the host and copied back for readback.
func CreateStorage(device hal.Device, label string, size uint64) (hal.Buffer, error) {
	if device == nil {
		return nil, ErrNoDevice
	}
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  max(alignUp4(size), 4),
		Usage: storageUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("device: create %s buffer: %w", label, err)
	}
	return buf, nil
}

// FloatBytes encodes values as little-endian f32.
func FloatBytes(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// Floats decodes little-endian f32 values.
func Floats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func alignUp4(n uint64) uint64 { return (n + 3) &^ 3 }
