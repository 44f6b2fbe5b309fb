package sysvar

// Snapshot is the full set of sysvar values for a session. It is a plain
// value and may be shared between sessions.
type Snapshot struct {
	Clock           Clock           `mapstructure:"clock"`
	Rent            Rent            `mapstructure:"rent"`
	EpochSchedule   EpochSchedule   `mapstructure:"epoch_schedule"`
	Fees            Fees            `mapstructure:"fees"`
	EpochRewards    EpochRewards    `mapstructure:"epoch_rewards"`
	LastRestartSlot LastRestartSlot `mapstructure:"last_restart_slot"`
}

// DefaultSnapshot returns mainnet-like default values.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Clock: Clock{
			Slot:                1,
			Epoch:               0,
			LeaderScheduleEpoch: 1,
		},
		Rent: Rent{
			LamportsPerByteYear: 3480,
			ExemptionThreshold:  2.0,
			BurnPercent:         50,
		},
		EpochSchedule: EpochSchedule{
			SlotsPerEpoch:            432_000,
			LeaderScheduleSlotOffset: 432_000,
		},
		Fees: Fees{LamportsPerSignature: 5000},
	}
}

// Store serves encoded sysvars. It is immutable after NewStore.
type Store struct {
	vars    map[Kind]Sysvar
	encoded map[Kind][]byte
}

// NewStore copies snap into a new store.
func NewStore(snap Snapshot) *Store {
	s := &Store{
		vars:    make(map[Kind]Sysvar, 6),
		encoded: make(map[Kind][]byte, 6),
	}
	for _, v := range []Sysvar{
		snap.Clock, snap.Rent, snap.EpochSchedule,
		snap.Fees, snap.EpochRewards, snap.LastRestartSlot,
	} {
		s.vars[v.Kind()] = v
		s.encoded[v.Kind()] = v.Encode()
	}
	return s
}

// Get returns the sysvar of the given kind.
func (s *Store) Get(kind Kind) (Sysvar, bool) {
	v, ok := s.vars[kind]
	return v, ok
}

// Bytes returns the encoded sysvar. The returned slice must not be modified.
func (s *Store) Bytes(kind Kind) ([]byte, bool) {
	b, ok := s.encoded[kind]
	return b, ok
}

// Rent returns the rent sysvar.
func (s *Store) Rent() Rent {
	return s.vars[KindRent].(Rent)
}
