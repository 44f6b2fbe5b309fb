// Package precompile implements the signature verification precompiles
// as builtins.
//
// A precompile verifies signatures described by offset records in its
// own instruction data. The harness runs one instruction per run, so an
// offset may only point into the current instruction: instruction index
// 0 or the "current instruction" marker.
package precompile

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
)

// Precompile errors, with their on-chain error codes.
var (
	ErrInvalidPublicKey           = programs.NewCustom(0, "invalid public key")
	ErrInvalidRecoveryID          = programs.NewCustom(1, "invalid recovery id")
	ErrInvalidSignature           = programs.NewCustom(2, "invalid signature")
	ErrInvalidDataOffsets         = programs.NewCustom(3, "invalid data offsets")
	ErrInvalidInstructionDataSize = programs.NewCustom(4, "invalid instruction data size")
)

// Addresses of the precompiles.
var (
	Ed25519ProgramID   = types.Ed25519PrecompileAddr
	Secp256k1ProgramID = types.Secp256k1PrecompileAddr
)

// currentInstruction marks an offset into the precompile's own data.
const currentInstruction = 0xFFFF

// slice returns data[offset:offset+size] of the instruction at index.
func slice(data []byte, index uint16, offset, size uint16) ([]byte, error) {
	if index != 0 && index != currentInstruction {
		return nil, fmt.Errorf("%w: instruction index %d", ErrInvalidDataOffsets, index)
	}
	end := int(offset) + int(size)
	if end > len(data) {
		return nil, fmt.Errorf("%w: [%d, %d) past %d bytes", ErrInvalidDataOffsets, offset, end, len(data))
	}
	return data[offset:end], nil
}

func u16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}
