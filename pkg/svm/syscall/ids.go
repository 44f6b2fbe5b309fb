package syscall

import "sort"

// ID enumerates the syscalls the dispatcher knows. The set is closed:
// a hash that does not resolve to an ID is an UnknownSyscall fault.
type ID uint8

// Syscall IDs, grouped by family.
const (
	_ ID = iota

	SolLog
	SolLog64
	SolLogPubkey
	SolLogComputeUnits
	SolLogData

	SolMemcpy
	SolMemmove
	SolMemset
	SolMemcmp
	SolAllocFree

	SolSha256
	SolKeccak256
	SolBlake3

	SolSecp256k1Recover
	SolCurveValidatePoint

	SolCreateProgramAddress
	SolTryFindProgramAddress

	SolGetClockSysvar
	SolGetRentSysvar
	SolGetEpochScheduleSysvar
	SolGetFeesSysvar
	SolGetEpochRewardsSysvar
	SolGetLastRestartSlot
	SolGetSysvar

	SolInvokeSignedC
	SolInvokeSignedRust

	SolSetReturnData
	SolGetReturnData
	SolGetStackHeight
	SolRemainingComputeUnits
	Abort
	SolPanic

	numIDs
)

var idNames = [numIDs]string{
	SolLog:                    "sol_log_",
	SolLog64:                  "sol_log_64_",
	SolLogPubkey:              "sol_log_pubkey",
	SolLogComputeUnits:        "sol_log_compute_units_",
	SolLogData:                "sol_log_data",
	SolMemcpy:                 "sol_memcpy_",
	SolMemmove:                "sol_memmove_",
	SolMemset:                 "sol_memset_",
	SolMemcmp:                 "sol_memcmp_",
	SolAllocFree:              "sol_alloc_free_",
	SolSha256:                 "sol_sha256",
	SolKeccak256:              "sol_keccak256",
	SolBlake3:                 "sol_blake3",
	SolSecp256k1Recover:       "sol_secp256k1_recover",
	SolCurveValidatePoint:     "sol_curve_validate_point",
	SolCreateProgramAddress:   "sol_create_program_address",
	SolTryFindProgramAddress:  "sol_try_find_program_address",
	SolGetClockSysvar:         "sol_get_clock_sysvar",
	SolGetRentSysvar:          "sol_get_rent_sysvar",
	SolGetEpochScheduleSysvar: "sol_get_epoch_schedule_sysvar",
	SolGetFeesSysvar:          "sol_get_fees_sysvar",
	SolGetEpochRewardsSysvar:  "sol_get_epoch_rewards_sysvar",
	SolGetLastRestartSlot:     "sol_get_last_restart_slot",
	SolGetSysvar:              "sol_get_sysvar",
	SolInvokeSignedC:          "sol_invoke_signed_c",
	SolInvokeSignedRust:       "sol_invoke_signed_rust",
	SolSetReturnData:          "sol_set_return_data",
	SolGetReturnData:          "sol_get_return_data",
	SolGetStackHeight:         "sol_get_stack_height",
	SolRemainingComputeUnits:  "sol_remaining_compute_units",
	Abort:                     "abort",
	SolPanic:                  "sol_panic_",
}

var byHash = func() map[uint32]ID {
	m := make(map[uint32]ID, numIDs)
	for id := ID(1); id < numIDs; id++ {
		h := Murmur3Hash(idNames[id])
		if prev, dup := m[h]; dup {
			panic("syscall: hash collision between " + idNames[prev] + " and " + idNames[id])
		}
		m[h] = id
	}
	return m
}()

// String returns the runtime name of the syscall.
func (id ID) String() string {
	if id > 0 && id < numIDs {
		return idNames[id]
	}
	return "unknown"
}

// Hash returns the murmur3 hash programs use to call the syscall.
func (id ID) Hash() uint32 {
	return Murmur3Hash(id.String())
}

// Valid reports whether id names a known syscall.
func (id ID) Valid() bool {
	return id > 0 && id < numIDs
}

// ByHash resolves a syscall hash.
func ByHash(hash uint32) (ID, bool) {
	id, ok := byHash[hash]
	return id, ok
}

// ByName resolves a syscall name.
func ByName(name string) (ID, bool) {
	return ByHash(Murmur3Hash(name))
}

// IDs lists every syscall ordered by name.
func IDs() []ID {
	out := make([]ID, 0, numIDs-1)
	for id := ID(1); id < numIDs; id++ {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return idNames[out[i]] < idNames[out[j]] })
	return out
}

// Murmur3Hash computes the murmur3_32 hash (seed 0) of a syscall name.
func Murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
