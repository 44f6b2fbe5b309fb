package precompile

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
)

// Ed25519 instruction layout: u8 count, u8 padding, then count records of
// seven u16 fields.
const (
	ed25519OffsetsStart = 2
	ed25519OffsetsSize  = 14
)

// Ed25519Offsets locates one signature, public key and message.
type Ed25519Offsets struct {
	SignatureOffset           uint16
	SignatureInstructionIndex uint16
	PublicKeyOffset           uint16
	PublicKeyInstructionIndex uint16
	MessageDataOffset         uint16
	MessageDataSize           uint16
	MessageInstructionIndex   uint16
}

func (o *Ed25519Offsets) decode(b []byte) {
	o.SignatureOffset = u16(b[0:])
	o.SignatureInstructionIndex = u16(b[2:])
	o.PublicKeyOffset = u16(b[4:])
	o.PublicKeyInstructionIndex = u16(b[6:])
	o.MessageDataOffset = u16(b[8:])
	o.MessageDataSize = u16(b[10:])
	o.MessageInstructionIndex = u16(b[12:])
}

// VerifyEd25519 is the Ed25519 precompile builtin.
func VerifyEd25519(_ programs.Context, _ []*invoke.AccountView, data []byte) error {
	if len(data) < ed25519OffsetsStart {
		return ErrInvalidInstructionDataSize
	}
	count := int(data[0])
	if count == 0 && len(data) > ed25519OffsetsStart {
		return ErrInvalidInstructionDataSize
	}
	if len(data) < ed25519OffsetsStart+count*ed25519OffsetsSize {
		return ErrInvalidInstructionDataSize
	}

	for i := 0; i < count; i++ {
		start := ed25519OffsetsStart + i*ed25519OffsetsSize
		var o Ed25519Offsets
		o.decode(data[start : start+ed25519OffsetsSize])

		sig, err := slice(data, o.SignatureInstructionIndex, o.SignatureOffset, ed25519.SignatureSize)
		if err != nil {
			return err
		}
		pub, err := slice(data, o.PublicKeyInstructionIndex, o.PublicKeyOffset, ed25519.PublicKeySize)
		if err != nil {
			return err
		}
		msg, err := slice(data, o.MessageInstructionIndex, o.MessageDataOffset, o.MessageDataSize)
		if err != nil {
			return err
		}
		if !crypto.IsOnCurve(pub) {
			return fmt.Errorf("%w: signature %d", ErrInvalidPublicKey, i)
		}
		if !crypto.VerifyEd25519(pub, msg, sig) {
			return fmt.Errorf("%w: signature %d", ErrInvalidSignature, i)
		}
	}
	return nil
}

// Ed25519Instruction builds precompile data verifying one signature, with
// every offset pointing into the instruction itself.
func Ed25519Instruction(pub ed25519.PublicKey, msg, sig []byte) []byte {
	const body = ed25519OffsetsStart + ed25519OffsetsSize
	pubOff := body
	sigOff := pubOff + ed25519.PublicKeySize
	msgOff := sigOff + ed25519.SignatureSize

	data := make([]byte, msgOff, msgOff+len(msg))
	data[0] = 1
	fields := []uint16{
		uint16(sigOff), currentInstruction,
		uint16(pubOff), currentInstruction,
		uint16(msgOff), uint16(len(msg)), currentInstruction,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint16(data[ed25519OffsetsStart+2*i:], f)
	}
	copy(data[pubOff:], pub)
	copy(data[sigOff:], sig)
	return append(data, msg...)
}
