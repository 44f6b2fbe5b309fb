// Package sysvar provides the immutable sysvar snapshot served to programs.
//
// Every sysvar encodes to the runtime's repr(C) memory layout so that the
// bytes copied into VM memory match what on-chain programs expect.
package sysvar

import (
	"encoding/binary"
	"math"

	"github.com/fortiblox/svmstub/internal/types"
)

// Kind identifies a sysvar.
type Kind uint8

// Sysvar kinds.
const (
	KindClock Kind = iota + 1
	KindRent
	KindEpochSchedule
	KindFees
	KindEpochRewards
	KindLastRestartSlot
)

var kindNames = map[Kind]string{
	KindClock:           "clock",
	KindRent:            "rent",
	KindEpochSchedule:   "epoch_schedule",
	KindFees:            "fees",
	KindEpochRewards:    "epoch_rewards",
	KindLastRestartSlot: "last_restart_slot",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Kinds lists every known sysvar kind.
func Kinds() []Kind {
	return []Kind{KindClock, KindRent, KindEpochSchedule, KindFees, KindEpochRewards, KindLastRestartSlot}
}

// Encoded sizes of each sysvar.
const (
	ClockSize           = 40
	RentSize            = 24
	EpochScheduleSize   = 40
	FeesSize            = 8
	EpochRewardsSize    = 96
	LastRestartSlotSize = 8
)

// Sysvar is a value that can be copied into VM memory.
type Sysvar interface {
	Kind() Kind
	ID() types.Pubkey
	Encode() []byte
}

// Clock is the clock sysvar.
type Clock struct {
	Slot                uint64 `mapstructure:"slot"`
	EpochStartTimestamp int64  `mapstructure:"epoch_start_timestamp"`
	Epoch               uint64 `mapstructure:"epoch"`
	LeaderScheduleEpoch uint64 `mapstructure:"leader_schedule_epoch"`
	UnixTimestamp       int64  `mapstructure:"unix_timestamp"`
}

func (Clock) Kind() Kind       { return KindClock }
func (Clock) ID() types.Pubkey { return types.SysvarClockAddr }

// Encode returns the 40-byte layout.
func (c Clock) Encode() []byte {
	b := make([]byte, ClockSize)
	binary.LittleEndian.PutUint64(b[0:], c.Slot)
	binary.LittleEndian.PutUint64(b[8:], uint64(c.EpochStartTimestamp))
	binary.LittleEndian.PutUint64(b[16:], c.Epoch)
	binary.LittleEndian.PutUint64(b[24:], c.LeaderScheduleEpoch)
	binary.LittleEndian.PutUint64(b[32:], uint64(c.UnixTimestamp))
	return b
}

// Rent is the rent sysvar.
type Rent struct {
	LamportsPerByteYear uint64  `mapstructure:"lamports_per_byte_year"`
	ExemptionThreshold  float64 `mapstructure:"exemption_threshold"`
	BurnPercent         uint8   `mapstructure:"burn_percent"`
}

func (Rent) Kind() Kind       { return KindRent }
func (Rent) ID() types.Pubkey { return types.SysvarRentAddr }

// Encode returns the 24-byte layout; the tail after burn_percent is padding.
func (r Rent) Encode() []byte {
	b := make([]byte, RentSize)
	binary.LittleEndian.PutUint64(b[0:], r.LamportsPerByteYear)
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(r.ExemptionThreshold))
	b[16] = r.BurnPercent
	return b
}

// MinimumBalance returns the rent-exempt minimum for an account of dataLen bytes.
func (r Rent) MinimumBalance(dataLen uint64) uint64 {
	const accountStorageOverhead = 128
	bytes := accountStorageOverhead + dataLen
	return uint64(float64(bytes*r.LamportsPerByteYear) * r.ExemptionThreshold)
}

// EpochSchedule is the epoch schedule sysvar.
type EpochSchedule struct {
	SlotsPerEpoch            uint64 `mapstructure:"slots_per_epoch"`
	LeaderScheduleSlotOffset uint64 `mapstructure:"leader_schedule_slot_offset"`
	Warmup                   bool   `mapstructure:"warmup"`
	FirstNormalEpoch         uint64 `mapstructure:"first_normal_epoch"`
	FirstNormalSlot          uint64 `mapstructure:"first_normal_slot"`
}

func (EpochSchedule) Kind() Kind       { return KindEpochSchedule }
func (EpochSchedule) ID() types.Pubkey { return types.SysvarEpochScheduleAddr }

// Encode returns the 40-byte layout.
func (e EpochSchedule) Encode() []byte {
	b := make([]byte, EpochScheduleSize)
	binary.LittleEndian.PutUint64(b[0:], e.SlotsPerEpoch)
	binary.LittleEndian.PutUint64(b[8:], e.LeaderScheduleSlotOffset)
	if e.Warmup {
		b[16] = 1
	}
	binary.LittleEndian.PutUint64(b[24:], e.FirstNormalEpoch)
	binary.LittleEndian.PutUint64(b[32:], e.FirstNormalSlot)
	return b
}

// Fees is the deprecated fees sysvar.
type Fees struct {
	LamportsPerSignature uint64 `mapstructure:"lamports_per_signature"`
}

func (Fees) Kind() Kind       { return KindFees }
func (Fees) ID() types.Pubkey { return types.SysvarFeesAddr }

// Encode returns the 8-byte layout.
func (f Fees) Encode() []byte {
	b := make([]byte, FeesSize)
	binary.LittleEndian.PutUint64(b, f.LamportsPerSignature)
	return b
}

// Uint128 is a little-endian 128-bit unsigned integer.
type Uint128 struct {
	Lo uint64 `mapstructure:"lo"`
	Hi uint64 `mapstructure:"hi"`
}

// EpochRewards is the partitioned epoch rewards sysvar.
type EpochRewards struct {
	DistributionStartingBlockHeight uint64     `mapstructure:"distribution_starting_block_height"`
	NumPartitions                   uint64     `mapstructure:"num_partitions"`
	ParentBlockhash                 types.Hash `mapstructure:"-"`
	TotalPoints                     Uint128    `mapstructure:"total_points"`
	TotalRewards                    uint64     `mapstructure:"total_rewards"`
	DistributedRewards              uint64     `mapstructure:"distributed_rewards"`
	Active                          bool       `mapstructure:"active"`
}

func (EpochRewards) Kind() Kind       { return KindEpochRewards }
func (EpochRewards) ID() types.Pubkey { return types.SysvarEpochRewardsAddr }

// Encode returns the 96-byte layout. total_points is 16-byte aligned at 48.
func (e EpochRewards) Encode() []byte {
	b := make([]byte, EpochRewardsSize)
	binary.LittleEndian.PutUint64(b[0:], e.DistributionStartingBlockHeight)
	binary.LittleEndian.PutUint64(b[8:], e.NumPartitions)
	copy(b[16:48], e.ParentBlockhash[:])
	binary.LittleEndian.PutUint64(b[48:], e.TotalPoints.Lo)
	binary.LittleEndian.PutUint64(b[56:], e.TotalPoints.Hi)
	binary.LittleEndian.PutUint64(b[64:], e.TotalRewards)
	binary.LittleEndian.PutUint64(b[72:], e.DistributedRewards)
	if e.Active {
		b[80] = 1
	}
	return b
}

// LastRestartSlot is the last restart slot sysvar.
type LastRestartSlot struct {
	Slot uint64 `mapstructure:"slot"`
}

func (LastRestartSlot) Kind() Kind       { return KindLastRestartSlot }
func (LastRestartSlot) ID() types.Pubkey { return types.SysvarLastRestartSlotAddr }

// Encode returns the 8-byte layout.
func (l LastRestartSlot) Encode() []byte {
	b := make([]byte, LastRestartSlotSize)
	binary.LittleEndian.PutUint64(b, l.Slot)
	return b
}

// KindByID maps a sysvar account address to its kind.
func KindByID(id types.Pubkey) (Kind, bool) {
	switch id {
	case types.SysvarClockAddr:
		return KindClock, true
	case types.SysvarRentAddr:
		return KindRent, true
	case types.SysvarEpochScheduleAddr:
		return KindEpochSchedule, true
	case types.SysvarFeesAddr:
		return KindFees, true
	case types.SysvarEpochRewardsAddr:
		return KindEpochRewards, true
	case types.SysvarLastRestartSlotAddr:
		return KindLastRestartSlot, true
	default:
		return 0, false
	}
}
