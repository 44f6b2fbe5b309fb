package invoke

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
)

// ErrMissingAccount is returned when an invocation names an account its
// parent frame does not hold.
var ErrMissingAccount = errors.New("account not present in caller frame")

// Account change errors, raised as IllegalAccountChange faults.
var (
	ErrModifiedOwner         = errors.New("owner changed by a program that may not reassign the account")
	ErrReadonlyLamportChange = errors.New("balance of a read-only account changed")
	ErrReadonlyDataModified  = errors.New("data of a read-only account modified")
	ErrExternalLamportSpend  = errors.New("balance of an account the program does not own decreased")
	ErrExternalDataModified  = errors.New("data of an account the program does not own modified")
	ErrExecutableModified    = errors.New("executable account modified")
	ErrUnbalancedInstruction = errors.New("sum of account balances changed")
)

// CheckChange reports whether program, holding the account with the given
// writable privilege, may turn the state of pre into the state of post.
//
// Only the owner of a writable, non-executable account may reassign it,
// and only once its data is zeroed. Anyone may credit a writable account
// but only the owner may debit it. Only the owner may write data.
func CheckChange(program types.Pubkey, writable bool, pre, post *AccountView) error {
	if len(post.data) != len(pre.data) {
		return svm.NewFault(svm.MalformedArgument,
			fmt.Errorf("%w: %s from %d to %d bytes", ErrDataLengthChanged, pre.Key, len(pre.data), len(post.data)))
	}
	illegal := func(err error) error {
		return svm.Faultf(svm.IllegalAccountChange, "%w: %s by %s", err, pre.Key, program)
	}

	owned := pre.Owner() == program
	if !bytes.Equal(pre.owner, post.owner) && (!writable || pre.Executable || !owned || !zeroed(post.data)) {
		return illegal(ErrModifiedOwner)
	}

	before, after := pre.Lamports(), post.Lamports()
	if after < before && !owned {
		return illegal(ErrExternalLamportSpend)
	}
	if after != before {
		if !writable {
			return illegal(ErrReadonlyLamportChange)
		}
		if pre.Executable {
			return illegal(ErrExecutableModified)
		}
	}

	if !bytes.Equal(pre.data, post.data) {
		switch {
		case pre.Executable:
			return illegal(ErrExecutableModified)
		case !writable:
			return illegal(ErrReadonlyDataModified)
		case !owned:
			return illegal(ErrExternalDataModified)
		}
	}
	return nil
}

// Commit checks the change from a to post made by program and then copies
// post into a.
func (a *AccountView) Commit(program types.Pubkey, writable bool, post *AccountView) error {
	if err := CheckChange(program, writable, a, post); err != nil {
		return err
	}
	return a.CopyFrom(post)
}

func zeroed(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Balance is a 128-bit lamport total.
type Balance struct {
	hi, lo uint64
}

func (b Balance) String() string {
	if b.hi == 0 {
		return fmt.Sprint(b.lo)
	}
	return fmt.Sprintf("0x%x%016x", b.hi, b.lo)
}

// SumLamports totals the balances of the distinct accounts in views.
func SumLamports(views []*AccountView) Balance {
	var (
		b    Balance
		c    uint64
		seen = make(map[types.Pubkey]struct{}, len(views))
	)
	for _, v := range views {
		if _, dup := seen[v.Key]; dup {
			continue
		}
		seen[v.Key] = struct{}{}
		b.lo, c = bits.Add64(b.lo, v.Lamports(), 0)
		b.hi += c
	}
	return b
}

// CheckBalance faults when the distinct accounts of views no longer sum
// to before.
func CheckBalance(before Balance, views []*AccountView) error {
	if after := SumLamports(views); after != before {
		return svm.Faultf(svm.IllegalAccountChange, "%w: %s before, %s after", ErrUnbalancedInstruction, before, after)
	}
	return nil
}
