package reload

import (
	"sync/atomic"

	"github.com/specterops/graphguard/graph"
)

// Mode tags the variant held by a Ref.
type Mode int

const (
	// ModeInert marks a Ref that was moved from or released. It holds nothing.
	ModeInert Mode = 0

	// ModePooled marks a Ref registered as a reader of a Slot instance.
	ModePooled Mode = 1

	// ModeDirect marks a Ref wrapping a trusted instance directly, without reader registration.
	ModeDirect Mode = 2
)

func (s Mode) String() string {
	switch s {
	case ModeInert:
		return "inert"

	case ModePooled:
		return "pooled"

	case ModeDirect:
		return "direct"

	default:
		return "invalid"
	}
}

// registration is a single reader registration. It may be released exactly once no matter how many times release is
// called or how many Ref values end up pointing at it.
type registration[T Instance] struct {
	target   *instance[T]
	released atomic.Bool
}

func (s *registration[T]) release() bool {
	if s.released.CompareAndSwap(false, true) {
		s.target.release()
		return true
	}

	return false
}

// Ref is the single owner of either a reader registration (pooled) or a direct instance reference. The zero value
// is inert. Refs must be passed by pointer; Move transfers ownership and leaves the source inert.
type Ref[T Instance] struct {
	mode   Mode
	pooled *registration[T]
	direct T
}

func newPooledRef[T Instance](target *instance[T]) *Ref[T] {
	return &Ref[T]{
		mode: ModePooled,
		pooled: &registration[T]{
			target: target,
		},
	}
}

// Direct wraps a trusted instance. A direct Ref behaves as if permanently registered and never affects a Slot.
func Direct[T Instance](value T) *Ref[T] {
	return &Ref[T]{
		mode:   ModeDirect,
		direct: value,
	}
}

func (s *Ref[T]) Mode() Mode {
	if s == nil {
		return ModeInert
	}

	return s.mode
}

// Get returns the instance this Ref is bound to. The instance is the one observed at acquisition and does not change
// if the Slot is reloaded. Inert Refs return graph.ErrHandleMoved.
func (s *Ref[T]) Get() (T, error) {
	switch s.Mode() {
	case ModePooled:
		return s.pooled.target.value, nil

	case ModeDirect:
		return s.direct, nil

	default:
		var empty T
		return empty, graph.ErrHandleMoved
	}
}

// Generation returns the slot generation of a pooled Ref's instance and 0 for direct or inert Refs.
func (s *Ref[T]) Generation() uint64 {
	if s.Mode() == ModePooled {
		return s.pooled.target.generation
	}

	return 0
}

// Move transfers this Ref's registration to a new Ref and leaves the receiver inert. Releasing the inert source is a
// no-op, so the registration can never be released twice.
func (s *Ref[T]) Move() *Ref[T] {
	if s == nil {
		return &Ref[T]{}
	}

	moved := &Ref[T]{
		mode:   s.mode,
		pooled: s.pooled,
		direct: s.direct,
	}

	var empty T

	s.mode = ModeInert
	s.pooled = nil
	s.direct = empty

	return moved
}

// Release deregisters a pooled Ref and makes any Ref inert. It returns true only for the call that actually released a
// reader registration.
func (s *Ref[T]) Release() bool {
	if s == nil {
		return false
	}

	var (
		released = false
		empty    T
	)

	if s.mode == ModePooled {
		released = s.pooled.release()
	}

	s.mode = ModeInert
	s.pooled = nil
	s.direct = empty

	return released
}
