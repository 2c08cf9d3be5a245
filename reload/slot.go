// Package reload keeps a replaceable storage instance safe to use across concurrent holders.
//
// A Slot owns the current instance. Holders register as readers of the instance current at acquisition time and keep
// using that exact instance until they release, even if the slot is reloaded in the meantime. A reload swaps the
// pointer without waiting on new readers and only closes the previous instance once every reader registered against it
// has released.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/specterops/graphguard/util"
)

var (
	ErrSlotClosed        = errors.New("reload slot is closed")
	ErrRetirementPending = errors.New("previous instance still has active readers; close deferred")
)

// Instance is anything a Slot can hold and eventually close.
type Instance interface {
	Close(ctx context.Context) error
}

// instance is the slot's per-instance reader registry: the reader side of the reload lock.
type instance[T Instance] struct {
	value      T
	generation uint64
	readers    atomic.Int64
	retired    atomic.Bool
	drained    chan struct{}
	drainOnce  sync.Once
}

func newInstance[T Instance](value T, generation uint64) *instance[T] {
	return &instance[T]{
		value:      value,
		generation: generation,
		drained:    make(chan struct{}),
	}
}

func (s *instance[T]) signalDrained() {
	s.drainOnce.Do(func() {
		close(s.drained)
	})
}

func (s *instance[T]) release() {
	if s.readers.Add(-1) == 0 && s.retired.Load() {
		s.signalDrained()
	}
}

func (s *instance[T]) retire() {
	s.retired.Store(true)

	if s.readers.Load() == 0 {
		s.signalDrained()
	}
}

func (s *instance[T]) isDrained() bool {
	select {
	case <-s.drained:
		return true
	default:
		return false
	}
}

// Slot holds the current instance of T.
type Slot[T Instance] struct {
	current    atomic.Pointer[instance[T]]
	generation atomic.Uint64
	closed     atomic.Bool
	writerLock sync.Mutex
	retired    deque.Deque[*instance[T]]
	logger     *slog.Logger
}

// NewSlot creates a slot whose first instance is value. A nil logger defaults to slog.Default().
func NewSlot[T Instance](value T, logger *slog.Logger) *Slot[T] {
	if logger == nil {
		logger = slog.Default()
	}

	slot := &Slot[T]{
		logger: logger,
	}

	slot.current.Store(newInstance(value, slot.generation.Add(1)))
	return slot
}

// Acquire registers a reader against the instance current at the moment of the call and returns a pooled Ref bound
// to that instance. Acquire never waits on an in-progress reload.
func (s *Slot[T]) Acquire() (*Ref[T], error) {
	for {
		if s.closed.Load() {
			return nil, ErrSlotClosed
		}

		observed := s.current.Load()
		observed.readers.Add(1)

		// The registration only counts if the instance was still current and not retired after the increment.
		// Otherwise a reload or close may already have observed zero readers and closed it.
		if s.current.Load() == observed && !observed.retired.Load() {
			return newPooledRef(observed), nil
		}

		observed.release()
	}
}

// Generation returns the number of instances this slot has held, including the current one.
func (s *Slot[T]) Generation() uint64 {
	return s.current.Load().generation
}

// Readers returns the number of readers registered against the current instance.
func (s *Slot[T]) Readers() int64 {
	return s.current.Load().readers.Load()
}

// Pending returns the number of retired instances still waiting for their readers to drain.
func (s *Slot[T]) Pending() int {
	s.writerLock.Lock()
	defer s.writerLock.Unlock()

	return s.retired.Len()
}

// Reload makes next the current instance. New acquisitions immediately observe next. The previous instance is closed
// once its readers drain; if ctx ends first the previous instance is parked, ErrRetirementPending is returned and the
// instance is closed later by Collect or Close.
func (s *Slot[T]) Reload(ctx context.Context, next T) error {
	s.writerLock.Lock()
	defer s.writerLock.Unlock()

	if s.closed.Load() {
		return ErrSlotClosed
	}

	var (
		replacement = newInstance(next, s.generation.Add(1))
		previous    = s.current.Swap(replacement)
	)

	previous.retire()

	s.logger.InfoContext(ctx, "storage instance reloaded",
		slog.Uint64("generation", replacement.generation),
		slog.Uint64("previous_generation", previous.generation),
		slog.Int64("previous_readers", previous.readers.Load()))

	// A drained instance is closed even if ctx has already ended.
	if previous.isDrained() {
		return s.closeInstance(ctx, previous)
	}

	select {
	case <-previous.drained:
		return s.closeInstance(ctx, previous)

	case <-ctx.Done():
		s.retired.PushBack(previous)

		s.logger.WarnContext(ctx, "previous storage instance still in use; close deferred",
			slog.Uint64("generation", previous.generation),
			slog.Int64("readers", previous.readers.Load()))

		return fmt.Errorf("%w: %w", ErrRetirementPending, ctx.Err())
	}
}

func (s *Slot[T]) closeInstance(ctx context.Context, target *instance[T]) error {
	if err := target.value.Close(ctx); err != nil {
		util.SLogError(ctx, s.logger, "failed closing storage instance", err, slog.Uint64("generation", target.generation))
		return fmt.Errorf("closing storage instance generation %d: %w", target.generation, err)
	}

	s.logger.DebugContext(ctx, "storage instance closed", slog.Uint64("generation", target.generation))
	return nil
}

// Collect closes every parked instance whose readers have drained. Instances that still have readers stay parked.
func (s *Slot[T]) Collect(ctx context.Context) error {
	s.writerLock.Lock()
	defer s.writerLock.Unlock()

	return s.collect(ctx)
}

func (s *Slot[T]) collect(ctx context.Context) error {
	var (
		errs      = util.NewErrorCollector()
		remaining = s.retired.Len()
	)

	for idx := 0; idx < remaining; idx++ {
		next := s.retired.PopFront()

		if next.isDrained() {
			if err := s.closeInstance(ctx, next); err != nil {
				errs.Add(err)
			}
		} else {
			s.retired.PushBack(next)
		}
	}

	return errs.Combined()
}

// Close retires the current instance, waits for every instance held by this slot to drain and closes them. Further
// acquisitions and reloads fail with ErrSlotClosed. If ctx ends first the undrained instances stay parked and may still
// be closed with Collect.
func (s *Slot[T]) Close(ctx context.Context) error {
	s.writerLock.Lock()
	defer s.writerLock.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	current := s.current.Load()
	current.retire()
	s.retired.PushBack(current)

	errs := util.NewErrorCollector()

	for s.retired.Len() > 0 {
		next := s.retired.Front()

		select {
		case <-next.drained:
			s.retired.PopFront()

			if err := s.closeInstance(ctx, next); err != nil {
				errs.Add(err)
			}

		case <-ctx.Done():
			errs.Add(fmt.Errorf("%w: %d instance(s) still in use: %w", ErrRetirementPending, s.retired.Len(), ctx.Err()))
			return errs.Combined()
		}
	}

	return errs.Combined()
}
