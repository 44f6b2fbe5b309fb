package crypto

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
)

// PDA marker appended to address derivation input.
var pdaMarker = []byte("ProgramDerivedAddress")

var (
	// ErrOnCurve is returned when a derived address is a valid ed25519 point.
	ErrOnCurve = errors.New("derived address is on the ed25519 curve")

	// ErrNoViableBump is returned when no bump seed yields an off-curve address.
	ErrNoViableBump = errors.New("unable to find a viable program address bump seed")
)

// SeedLimits bounds PDA seed lists.
type SeedLimits struct {
	MaxSeeds   int
	MaxSeedLen int
}

// LimitsFrom extracts the seed limits of a cost table.
func LimitsFrom(t *svm.CostTable) SeedLimits {
	return SeedLimits{MaxSeeds: t.MaxSeeds, MaxSeedLen: t.MaxSeedLen}
}

// Check rejects seed lists over the limits. Errors wrap MalformedArgument.
func (l SeedLimits) Check(seeds [][]byte) error {
	if len(seeds) > l.MaxSeeds {
		return svm.Faultf(svm.MalformedArgument, "%d seeds exceeds max %d", len(seeds), l.MaxSeeds)
	}
	for i, s := range seeds {
		if len(s) > l.MaxSeedLen {
			return svm.Faultf(svm.MalformedArgument, "seed %d length %d exceeds max %d", i, len(s), l.MaxSeedLen)
		}
	}
	return nil
}

// IsOnCurve reports whether b decodes to a point on the ed25519 curve.
// Non-canonical y encodings are reduced, as the runtime does.
func IsOnCurve(b []byte) bool {
	if len(b) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

func deriveAddress(seeds [][]byte, programID types.Pubkey) types.Pubkey {
	parts := make([][]byte, 0, len(seeds)+2)
	parts = append(parts, seeds...)
	parts = append(parts, programID[:], pdaMarker)
	return types.Pubkey(Hash(SHA256, parts...))
}

// CreateProgramAddress derives a program address from seeds and a program ID.
// It returns ErrOnCurve if the derived address is a valid curve point.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey, limits SeedLimits) (types.Pubkey, error) {
	if err := limits.Check(seeds); err != nil {
		return types.Pubkey{}, err
	}
	addr := deriveAddress(seeds, programID)
	if IsOnCurve(addr[:]) {
		return types.Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bump seeds from 255 down to 1 for an
// off-curve address. charge is called once before the search and again
// after every failed attempt; its error aborts the search. A seed list
// already at the limit leaves no room for the bump, so every attempt
// fails and the search returns ErrNoViableBump after charging for each.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey, limits SeedLimits, charge func() error) (types.Pubkey, uint8, error) {
	if err := limits.Check(seeds); err != nil {
		return types.Pubkey{}, 0, err
	}
	if charge == nil {
		charge = func() error { return nil }
	}
	if err := charge(); err != nil {
		return types.Pubkey{}, 0, err
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bumpSeed := []byte{0}
	withBump[len(seeds)] = bumpSeed
	fits := len(withBump) <= limits.MaxSeeds

	for bump := 255; bump >= 1; bump-- {
		if fits {
			bumpSeed[0] = uint8(bump)
			addr := deriveAddress(withBump, programID)
			if !IsOnCurve(addr[:]) {
				return addr, uint8(bump), nil
			}
		}
		if err := charge(); err != nil {
			return types.Pubkey{}, 0, err
		}
	}
	return types.Pubkey{}, 0, fmt.Errorf("%w for program %s", ErrNoViableBump, programID)
}
