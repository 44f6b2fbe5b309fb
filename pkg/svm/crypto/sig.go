package crypto

import (
	"crypto/ed25519"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Secp256k1 recovery errors. Their codes are returned to programs in r0.
var (
	ErrSecp256k1InvalidHash       = errors.New("secp256k1: invalid hash")
	ErrSecp256k1InvalidRecoveryID = errors.New("secp256k1: invalid recovery id")
	ErrSecp256k1InvalidSignature  = errors.New("secp256k1: invalid signature")
)

// Secp256k1 sizes.
const (
	Secp256k1HashSize      = 32
	Secp256k1SignatureSize = 64
	Secp256k1PubkeySize    = 64
)

// Secp256k1ErrorCode maps a recovery error to the runtime's r0 code.
func Secp256k1ErrorCode(err error) uint64 {
	switch {
	case errors.Is(err, ErrSecp256k1InvalidHash):
		return 1
	case errors.Is(err, ErrSecp256k1InvalidRecoveryID):
		return 2
	default:
		return 3
	}
}

// VerifyEd25519 reports whether sig is a valid signature of msg by pub.
// Inputs of the wrong length are rejected.
func VerifyEd25519(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Secp256k1Recover recovers the uncompressed public key, without its 0x04
// prefix, that produced the 64-byte compact signature sig over hash.
func Secp256k1Recover(hash []byte, recID uint64, sig []byte) ([Secp256k1PubkeySize]byte, error) {
	var out [Secp256k1PubkeySize]byte
	if len(hash) != Secp256k1HashSize {
		return out, ErrSecp256k1InvalidHash
	}
	if recID > 3 {
		return out, ErrSecp256k1InvalidRecoveryID
	}
	if len(sig) != Secp256k1SignatureSize {
		return out, ErrSecp256k1InvalidSignature
	}

	compact := make([]byte, 65)
	compact[0] = 27 + byte(recID)
	copy(compact[1:], sig)

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return out, ErrSecp256k1InvalidSignature
	}
	copy(out[:], pub.SerializeUncompressed()[1:])
	return out, nil
}
