package precompile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
)

// Secp256k1 instruction layout: u8 count, then count records of
// (u16 sig offset, u8 index, u16 eth offset, u8 index, u16 msg offset,
// u16 msg size, u8 index).
const (
	secp256k1OffsetsStart = 1
	secp256k1OffsetsSize  = 11

	// EthAddressSize is the size of an Ethereum address.
	EthAddressSize = 20

	secp256k1SignatureSize = crypto.Secp256k1SignatureSize + 1
)

// Secp256k1Offsets locates one recoverable signature, Ethereum address
// and message.
type Secp256k1Offsets struct {
	SignatureOffset            uint16
	SignatureInstructionIndex  uint8
	EthAddressOffset           uint16
	EthAddressInstructionIndex uint8
	MessageDataOffset          uint16
	MessageDataSize            uint16
	MessageInstructionIndex    uint8
}

func (o *Secp256k1Offsets) decode(b []byte) {
	o.SignatureOffset = u16(b[0:])
	o.SignatureInstructionIndex = b[2]
	o.EthAddressOffset = u16(b[3:])
	o.EthAddressInstructionIndex = b[5]
	o.MessageDataOffset = u16(b[6:])
	o.MessageDataSize = u16(b[8:])
	o.MessageInstructionIndex = b[10]
}

// EthAddress returns the Ethereum address of a 64-byte uncompressed
// public key.
func EthAddress(pub []byte) [EthAddressSize]byte {
	var addr [EthAddressSize]byte
	h := crypto.Hash(crypto.Keccak256, pub)
	copy(addr[:], h[12:])
	return addr
}

// VerifySecp256k1 is the Secp256k1 precompile builtin.
func VerifySecp256k1(_ programs.Context, _ []*invoke.AccountView, data []byte) error {
	if len(data) < secp256k1OffsetsStart {
		return ErrInvalidInstructionDataSize
	}
	count := int(data[0])
	if count == 0 && len(data) > secp256k1OffsetsStart {
		return ErrInvalidInstructionDataSize
	}
	if len(data) < secp256k1OffsetsStart+count*secp256k1OffsetsSize {
		return ErrInvalidInstructionDataSize
	}

	for i := 0; i < count; i++ {
		start := secp256k1OffsetsStart + i*secp256k1OffsetsSize
		var o Secp256k1Offsets
		o.decode(data[start : start+secp256k1OffsetsSize])

		sig, err := slice(data, uint16(o.SignatureInstructionIndex), o.SignatureOffset, secp256k1SignatureSize)
		if err != nil {
			return err
		}
		want, err := slice(data, uint16(o.EthAddressInstructionIndex), o.EthAddressOffset, EthAddressSize)
		if err != nil {
			return err
		}
		msg, err := slice(data, uint16(o.MessageInstructionIndex), o.MessageDataOffset, o.MessageDataSize)
		if err != nil {
			return err
		}

		recID := uint64(sig[crypto.Secp256k1SignatureSize])
		if recID > 3 {
			return fmt.Errorf("%w: signature %d", ErrInvalidRecoveryID, i)
		}
		digest := crypto.Hash(crypto.Keccak256, msg)
		pub, err := crypto.Secp256k1Recover(digest[:], recID, sig[:crypto.Secp256k1SignatureSize])
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", ErrInvalidSignature, i, err)
		}
		if addr := EthAddress(pub[:]); !bytes.Equal(addr[:], want) {
			return fmt.Errorf("%w: signature %d recovers a different address", ErrInvalidSignature, i)
		}
	}
	return nil
}

// Secp256k1Instruction builds precompile data verifying one signature.
// sig is the 64-byte compact signature followed by the recovery id.
func Secp256k1Instruction(ethAddr [EthAddressSize]byte, msg, sig []byte) []byte {
	const body = secp256k1OffsetsStart + secp256k1OffsetsSize
	ethOff := body
	sigOff := ethOff + EthAddressSize
	msgOff := sigOff + secp256k1SignatureSize

	data := make([]byte, msgOff, msgOff+len(msg))
	data[0] = 1
	r := data[secp256k1OffsetsStart:]
	binary.LittleEndian.PutUint16(r[0:], uint16(sigOff))
	binary.LittleEndian.PutUint16(r[3:], uint16(ethOff))
	binary.LittleEndian.PutUint16(r[6:], uint16(msgOff))
	binary.LittleEndian.PutUint16(r[8:], uint16(len(msg)))
	copy(data[ethOff:], ethAddr[:])
	copy(data[sigOff:], sig)
	return append(data, msg...)
}
