package reload_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/reload"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	name   string
	closed atomic.Int32
	err    error
}

func (s *fakeInstance) Close(ctx context.Context) error {
	s.closed.Add(1)
	return s.err
}

func (s *fakeInstance) Closed() bool {
	return s.closed.Load() > 0
}

func TestSlot_AcquireObservesCurrent(t *testing.T) {
	var (
		first = &fakeInstance{name: "first"}
		slot  = reload.NewSlot(first, nil)
	)

	ref, err := slot.Acquire()
	require.NoError(t, err)
	require.Equal(t, reload.ModePooled, ref.Mode())
	require.Equal(t, uint64(1), ref.Generation())
	require.Equal(t, int64(1), slot.Readers())

	value, err := ref.Get()
	require.NoError(t, err)
	require.Same(t, first, value)

	require.True(t, ref.Release())
	require.False(t, ref.Release())
	require.Equal(t, int64(0), slot.Readers())
}

func TestSlot_ReloadWaitsForReaders(t *testing.T) {
	var (
		first  = &fakeInstance{name: "first"}
		second = &fakeInstance{name: "second"}
		slot   = reload.NewSlot(first, nil)
	)

	ref, err := slot.Acquire()
	require.NoError(t, err)

	reloaded := make(chan error, 1)

	go func() {
		reloaded <- slot.Reload(context.Background(), second)
	}()

	// New acquisitions observe the replacement while the reload is still waiting on the old reader.
	require.Eventually(t, func() bool {
		return slot.Generation() == 2
	}, time.Second, time.Millisecond)

	next, err := slot.Acquire()
	require.NoError(t, err)

	nextValue, err := next.Get()
	require.NoError(t, err)
	require.Same(t, second, nextValue)

	// The held reference still points at the instance it acquired.
	held, err := ref.Get()
	require.NoError(t, err)
	require.Same(t, first, held)
	require.False(t, first.Closed())

	select {
	case <-reloaded:
		t.Fatal("reload completed while a reader was still registered")
	case <-time.After(20 * time.Millisecond):
	}

	ref.Release()

	require.NoError(t, <-reloaded)
	require.True(t, first.Closed())
	require.False(t, second.Closed())

	next.Release()
}

func TestSlot_ReloadDefersRetirement(t *testing.T) {
	var (
		first  = &fakeInstance{name: "first"}
		second = &fakeInstance{name: "second"}
		slot   = reload.NewSlot(first, nil)
	)

	ref, err := slot.Acquire()
	require.NoError(t, err)

	ctx, done := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer done()

	err = slot.Reload(ctx, second)
	require.ErrorIs(t, err, reload.ErrRetirementPending)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, slot.Pending())
	require.False(t, first.Closed())

	// Nothing drained yet.
	require.NoError(t, slot.Collect(context.Background()))
	require.Equal(t, 1, slot.Pending())
	require.False(t, first.Closed())

	ref.Release()

	require.NoError(t, slot.Collect(context.Background()))
	require.Equal(t, 0, slot.Pending())
	require.True(t, first.Closed())
}

func TestSlot_ReloadDrainedWithEndedContext(t *testing.T) {
	ctx, done := context.WithCancel(context.Background())
	done()

	var (
		previous = &fakeInstance{name: "initial"}
		slot     = reload.NewSlot(previous, nil)
	)

	// Without readers the previous instance is closed on every attempt, even though ctx has ended.
	for attempt := 0; attempt < 64; attempt++ {
		next := &fakeInstance{name: "next"}

		require.NoError(t, slot.Reload(ctx, next))
		require.Zero(t, slot.Pending())
		require.True(t, previous.Closed())

		previous = next
	}
}

func TestSlot_Close(t *testing.T) {
	var (
		first = &fakeInstance{name: "first"}
		slot  = reload.NewSlot(first, nil)
	)

	ref, err := slot.Acquire()
	require.NoError(t, err)

	ctx, done := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer done()

	require.ErrorIs(t, slot.Close(ctx), reload.ErrRetirementPending)
	require.False(t, first.Closed())

	_, err = slot.Acquire()
	require.ErrorIs(t, err, reload.ErrSlotClosed)
	require.ErrorIs(t, slot.Reload(context.Background(), &fakeInstance{}), reload.ErrSlotClosed)

	ref.Release()

	require.NoError(t, slot.Collect(context.Background()))
	require.Equal(t, int32(1), first.closed.Load())

	// Closing twice is a no-op.
	require.NoError(t, slot.Close(context.Background()))
	require.Equal(t, int32(1), first.closed.Load())
}

func TestSlot_CloseReportsInstanceErrors(t *testing.T) {
	var (
		failure = errors.New("close failed")
		slot    = reload.NewSlot(&fakeInstance{err: failure}, nil)
	)

	require.ErrorIs(t, slot.Close(context.Background()), failure)
}

func TestRef_MoveLeavesSourceInert(t *testing.T) {
	slot := reload.NewSlot(&fakeInstance{}, nil)

	ref, err := slot.Acquire()
	require.NoError(t, err)

	moved := ref.Move()
	require.Equal(t, reload.ModeInert, ref.Mode())
	require.Equal(t, reload.ModePooled, moved.Mode())
	require.Equal(t, int64(1), slot.Readers())

	_, err = ref.Get()
	require.ErrorIs(t, err, graph.ErrHandleMoved)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	// Releasing the moved-from source must not release the registration.
	require.False(t, ref.Release())
	require.Equal(t, int64(1), slot.Readers())

	require.True(t, moved.Release())
	require.Equal(t, int64(0), slot.Readers())
}

func TestRef_Direct(t *testing.T) {
	var (
		value = &fakeInstance{name: "direct"}
		ref   = reload.Direct(value)
	)

	require.Equal(t, reload.ModeDirect, ref.Mode())
	require.Equal(t, uint64(0), ref.Generation())

	held, err := ref.Get()
	require.NoError(t, err)
	require.Same(t, value, held)

	moved := ref.Move()
	require.Equal(t, reload.ModeInert, ref.Mode())
	require.Equal(t, reload.ModeDirect, moved.Mode())

	require.False(t, moved.Release())
	require.False(t, value.Closed())

	var zero reload.Ref[*fakeInstance]
	_, err = zero.Get()
	require.ErrorIs(t, err, graph.ErrHandleMoved)
}

func TestSlot_ConcurrentAcquireAndReload(t *testing.T) {
	const (
		numReaders = 16
		numReloads = 50
	)

	var (
		first     = &fakeInstance{name: "0"}
		slot      = reload.NewSlot(first, nil)
		instances = []*fakeInstance{first}
		stop      atomic.Bool
		readers   sync.WaitGroup
		violation atomic.Bool
	)

	for range numReaders {
		readers.Add(1)

		go func() {
			defer readers.Done()

			for !stop.Load() {
				ref, err := slot.Acquire()
				if err != nil {
					violation.Store(true)
					return
				}

				value, err := ref.Get()
				if err != nil || value.Closed() {
					violation.Store(true)
				}

				ref.Release()
			}
		}()
	}

	for range numReloads {
		next := &fakeInstance{}
		instances = append(instances, next)

		require.NoError(t, slot.Reload(context.Background(), next))
	}

	stop.Store(true)
	readers.Wait()

	require.False(t, violation.Load(), "a reader observed a closed instance")
	require.Equal(t, uint64(numReloads+1), slot.Generation())

	for _, retired := range instances[:numReloads] {
		require.Equal(t, int32(1), retired.closed.Load())
	}

	require.False(t, instances[numReloads].Closed())
	require.NoError(t, slot.Close(context.Background()))
	require.True(t, instances[numReloads].Closed())
}
