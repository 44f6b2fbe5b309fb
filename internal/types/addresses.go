package types

// Native program addresses the stub runtime knows how to execute.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// Ed25519PrecompileAddr is the Ed25519 signature verification precompile.
	Ed25519PrecompileAddr = MustPubkeyFromBase58("Ed25519SigVerify111111111111111111111111111")

	// Secp256k1PrecompileAddr is the Secp256k1 recovery precompile.
	Secp256k1PrecompileAddr = MustPubkeyFromBase58("KeccakSecp256k11111111111111111111111111111")
)

// Sysvar addresses.
var (
	SysvarClockAddr           = MustPubkeyFromBase58("SysvarC1ock11111111111111111111111111111111")
	SysvarRentAddr            = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")
	SysvarEpochScheduleAddr   = MustPubkeyFromBase58("SysvarEpochSchedu1e111111111111111111111111")
	SysvarFeesAddr            = MustPubkeyFromBase58("SysvarFees111111111111111111111111111111111")
	SysvarEpochRewardsAddr    = MustPubkeyFromBase58("SysvarEpochRewards1111111111111111111111111")
	SysvarLastRestartSlotAddr = MustPubkeyFromBase58("SysvarLastRestartS1ot1111111111111111111111")
)
