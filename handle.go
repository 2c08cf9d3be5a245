// Package graphguard is the access-controlled entry point to a live graph storage engine. A Handle combines a
// reload-safe reference to the current engine with an access level and gates every operation on that level before
// anything reaches the engine.
package graphguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/reload"
)

// Slot is the reloadable home of the current storage engine.
type Slot = reload.Slot[StorageEngine]

// NewSlot creates a slot holding engine as its first instance.
func NewSlot(engine StorageEngine, logger *slog.Logger) *Slot {
	return reload.NewSlot[StorageEngine](engine, logger)
}

// Handle is a caller session against a storage engine. A Handle has a single owner: it must not be used from more
// than one goroutine while it is being moved or closed. Transactions created from a Handle may be used independently.
type Handle struct {
	ref   *reload.Ref[StorageEngine]
	level access.Level
}

// NewHandle registers a reader against the engine currently held by slot. The handle keeps using that engine until
// it is closed, even if the slot is reloaded in the meantime.
func NewHandle(slot *Slot, level access.Level) (*Handle, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: invalid access level %d", graph.ErrInvalidArgument, level)
	}

	ref, err := slot.Acquire()
	if err != nil {
		return nil, err
	}

	recordHandle(ref.Mode().String(), 1)

	return &Handle{
		ref:   ref,
		level: level,
	}, nil
}

// NewDirectHandle wraps a trusted engine with full access. Direct handles never register against a slot.
func NewDirectHandle(engine StorageEngine) *Handle {
	ref := reload.Direct(engine)
	recordHandle(ref.Mode().String(), 1)

	return &Handle{
		ref:   ref,
		level: access.LevelFull,
	}
}

// WithHandle opens a handle against slot, passes it to delegate and always closes it afterwards, whatever delegate
// returns or however it exits.
func WithHandle(slot *Slot, level access.Level, delegate func(handle *Handle) error) error {
	handle, err := NewHandle(slot, level)
	if err != nil {
		return err
	}

	defer handle.Close()
	return delegate(handle)
}

// ReloadEngine makes next the engine behind slot. Handles opened before the reload keep the previous engine, which is
// closed once they are all closed or, if ctx ends first, by a later Collect or Close of the slot.
func ReloadEngine(ctx context.Context, slot *Slot, next StorageEngine) error {
	err := slot.Reload(ctx, next)
	recordReload(errors.Is(err, reload.ErrRetirementPending))

	return err
}

func (s *Handle) AccessLevel() access.Level {
	return s.level
}

// Moved returns true if this handle was moved from or closed and can no longer be used.
func (s *Handle) Moved() bool {
	return s.ref.Mode() == reload.ModeInert
}

// Generation returns the slot generation of the engine this handle is bound to, or 0 for direct handles.
func (s *Handle) Generation() uint64 {
	return s.ref.Generation()
}

// Move transfers this handle's engine registration to a new handle. The receiver becomes unusable and closing it is a
// no-op; the registration is released exactly once, by closing the returned handle.
func (s *Handle) Move() *Handle {
	return &Handle{
		ref:   s.ref.Move(),
		level: s.level,
	}
}

// Close releases the handle's engine registration. Closing a moved or closed handle is a no-op.
func (s *Handle) Close() {
	if mode := s.ref.Mode(); mode != reload.ModeInert {
		s.ref.Release()
		recordHandle(mode.String(), -1)
	}
}

func (s *Handle) engine() (StorageEngine, error) {
	return s.ref.Get()
}

// gate checks the handle's level against the operation class and, on success, returns the bound engine.
func (s *Handle) gate(class access.Class, operation string) (StorageEngine, error) {
	if err := access.RequireFor(s.level, class, operation); err != nil {
		recordDenial(class)
		return nil, err
	}

	return s.engine()
}
