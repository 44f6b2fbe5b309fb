// Package svm holds the shared pieces of the sBPF syscall-stub runtime.
//
// The stub runtime stands in for the Solana host environment while a
// fuzzing harness executes sBPF programs off-chain. It covers:
// - the typed fault taxonomy returned by syscalls and the interpreter
// - compute-unit metering with a versioned cost table
// - the per-session configuration
//
// The syscall handlers live in pkg/svm/syscall, the interpreter in
// pkg/svm/sbpf and the harness boundary in pkg/svm/runtime.
package svm

import (
	"errors"
)

var (
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrUnknownCostVersion is returned for an unregistered cost table.
	ErrUnknownCostVersion = errors.New("unknown cost table version")
)

// Region base addresses of the sBPF virtual address space.
const (
	VaddrProgram = uint64(0x1_0000_0000)
	VaddrStack   = uint64(0x2_0000_0000)
	VaddrHeap    = uint64(0x3_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000)
)
