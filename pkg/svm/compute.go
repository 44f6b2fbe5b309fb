package svm

import (
	"fmt"
	"sync/atomic"
)

// Budget limits.
const (
	CUDefault = uint64(200_000)   // Default CU limit per instruction
	CUMax     = uint64(1_400_000) // Max CU limit per transaction
)

// ComputeMeter tracks compute unit consumption for one run.
//
// The meter is sticky: once a charge fails it reports exhausted until
// Reset, even for zero-cost charges.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	exhausted uint32
}

// NewComputeMeter creates a new compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume charges cost compute units. A charge equal to the remaining
// budget succeeds. A charge above it drains the meter, marks it
// exhausted and returns a BudgetExhausted fault.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if atomic.LoadUint32(&cm.exhausted) != 0 {
		return Faultf(BudgetExhausted, "meter exhausted (limit %d)", cm.limit)
	}

	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			if atomic.CompareAndSwapUint64(&cm.remaining, remaining, 0) {
				atomic.AddUint64(&cm.consumed, remaining)
				atomic.StoreUint32(&cm.exhausted, 1)
				return NewFault(BudgetExhausted, fmt.Errorf("charge %d exceeds remaining %d", cost, remaining))
			}
			continue
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// IsExhausted reports whether a charge has failed since the last Reset.
func (cm *ComputeMeter) IsExhausted() bool {
	return atomic.LoadUint32(&cm.exhausted) != 0
}

// Reset restores the full budget and clears the exhausted flag.
func (cm *ComputeMeter) Reset() {
	atomic.StoreUint64(&cm.remaining, cm.limit)
	atomic.StoreUint64(&cm.consumed, 0)
	atomic.StoreUint32(&cm.exhausted, 0)
}
