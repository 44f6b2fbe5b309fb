package svm

import (
	"fmt"
	"sort"
)

// DefaultCostVersion is the cost table used when Config.CostVersion is empty.
const DefaultCostVersion = "agave-1.18"

// CostTable is a pinned set of syscall compute costs and argument limits.
// Handlers read every cost and limit from here; nothing is hardcoded.
type CostTable struct {
	Version string

	SyscallBase uint64
	Log64       uint64
	LogPubkey   uint64

	MemOpBase       uint64
	CPIBytesPerUnit uint64

	Sha256Base      uint64
	Sha256ByteCost  uint64
	Sha256MaxSlices uint64

	CreateProgramAddress uint64
	InvokeUnits          uint64
	Secp256k1Recover     uint64
	SysvarBase           uint64

	CurveEdwardsValidatePoint uint64

	MaxReturnData uint64

	// PDA limits.
	MaxSeeds   int
	MaxSeedLen int

	// CPI limits.
	MaxSigners          int
	MaxInstructionData  uint64
	MaxInstructionAccts uint64
	MaxAccountInfos     uint64
}

var costTables = map[string]CostTable{
	"agave-1.18": {
		Version:                   "agave-1.18",
		SyscallBase:               100,
		Log64:                     100,
		LogPubkey:                 100,
		MemOpBase:                 10,
		CPIBytesPerUnit:           250,
		Sha256Base:                85,
		Sha256ByteCost:            1,
		Sha256MaxSlices:           20_000,
		CreateProgramAddress:      1_500,
		InvokeUnits:               1_000,
		Secp256k1Recover:          25_000,
		SysvarBase:                100,
		CurveEdwardsValidatePoint: 159,
		MaxReturnData:             1024,
		MaxSeeds:                  16,
		MaxSeedLen:                32,
		MaxSigners:                16,
		MaxInstructionData:        10 * 1024,
		MaxInstructionAccts:       255,
		MaxAccountInfos:           128,
	},
}

// LookupCostTable returns the cost table registered under version.
// An empty version selects DefaultCostVersion.
func LookupCostTable(version string) (CostTable, error) {
	if version == "" {
		version = DefaultCostVersion
	}
	t, ok := costTables[version]
	if !ok {
		return CostTable{}, fmt.Errorf("%w: %q", ErrUnknownCostVersion, version)
	}
	return t, nil
}

// CostVersions lists the registered cost table versions.
func CostVersions() []string {
	out := make([]string, 0, len(costTables))
	for v := range costTables {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// LogCost is the cost of logging an n-byte message.
func (t *CostTable) LogCost(n uint64) uint64 {
	return max(t.SyscallBase, n)
}

// MemOpCost is the cost of a memory syscall touching n bytes.
func (t *CostTable) MemOpCost(n uint64) uint64 {
	return max(t.MemOpBase, n/t.CPIBytesPerUnit)
}

// HashSliceCost is the cost of hashing one n-byte slice.
func (t *CostTable) HashSliceCost(n uint64) uint64 {
	return max(t.MemOpBase, t.Sha256ByteCost*n/2)
}

// SysvarCost is the cost of copying a sysvar of size bytes.
func (t *CostTable) SysvarCost(size uint64) uint64 {
	return t.SysvarBase + size
}

// InvokeCost is the cost of a CPI carrying dataLen bytes of instruction data.
func (t *CostTable) InvokeCost(dataLen uint64) uint64 {
	return t.InvokeUnits + dataLen/t.CPIBytesPerUnit
}

// AccountDataCost is the per-account CPI charge for data of n bytes.
func (t *CostTable) AccountDataCost(n uint64) uint64 {
	return n / t.CPIBytesPerUnit
}
