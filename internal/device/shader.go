package device

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/relocate.wgsl
var relocateWGSL string

// RelocateShaderSource returns the WGSL source of the relocation kernel.
func RelocateShaderSource() string { return relocateWGSL }

// CompileShader compiles WGSL source to SPIR-V words.
func CompileShader(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("device: compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("device: SPIR-V length %d is not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words.
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

func createShaderModule(device hal.Device, label string, code []uint32) (hal.ShaderModule, error) {
	return device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: code},
	})
}
