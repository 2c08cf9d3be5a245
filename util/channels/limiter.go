package channels

import "context"

// ConcurrencyLimiter bounds the number of concurrent holders of a slot.
type ConcurrencyLimiter struct {
	slotC chan struct{}
}

func NewConcurrencyLimiter(numSlots int) ConcurrencyLimiter {
	if numSlots <= 0 {
		numSlots = 1
	}

	return ConcurrencyLimiter{
		slotC: make(chan struct{}, numSlots),
	}
}

// Acquire blocks until a slot is free or ctx ends. It returns false if ctx ended first.
func (s ConcurrencyLimiter) Acquire(ctx context.Context) bool {
	// Prefer reporting a dead context over taking a free slot.
	if ctx.Err() != nil {
		return false
	}

	return Submit(ctx, s.slotC, struct{}{})
}

func (s ConcurrencyLimiter) Release() {
	<-s.slotC
}

// InUse returns the number of slots currently held.
func (s ConcurrencyLimiter) InUse() int {
	return len(s.slotC)
}

func (s ConcurrencyLimiter) Capacity() int {
	return cap(s.slotC)
}
