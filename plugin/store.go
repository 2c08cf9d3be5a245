package plugin

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/specterops/graphguard/graph"
)

// Store persists procedure descriptors keyed by (Type, Name).
type Store interface {
	// Put adds a new descriptor. Adding a key that already exists fails with graph.ErrConflict.
	Put(ctx context.Context, descriptor Descriptor) error

	// Delete removes a descriptor. Deleting a missing key fails with graph.ErrNotFound.
	Delete(ctx context.Context, key Key) error

	Get(ctx context.Context, key Key) (Descriptor, bool, error)
	List(ctx context.Context, pluginType Type) ([]Descriptor, error)
	Close(ctx context.Context) error
}

// SortDescriptors orders descriptors by type and then name.
func SortDescriptors(descriptors []Descriptor) {
	slices.SortFunc(descriptors, func(a, b Descriptor) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.Name, b.Name))
	})
}

type MemoryStore struct {
	descriptors map[Key]Descriptor
	lock        *sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		descriptors: map[Key]Descriptor{},
		lock:        &sync.RWMutex{},
	}
}

func (s *MemoryStore) Put(_ context.Context, descriptor Descriptor) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.descriptors[descriptor.Key()]; exists {
		return fmt.Errorf("%w: plugin %s already exists", graph.ErrConflict, descriptor.Key())
	}

	s.descriptors[descriptor.Key()] = descriptor
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.descriptors[key]; !exists {
		return fmt.Errorf("%w: plugin %s", graph.ErrNotFound, key)
	}

	delete(s.descriptors, key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Descriptor, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	descriptor, found := s.descriptors[key]
	return descriptor, found, nil
}

func (s *MemoryStore) List(_ context.Context, pluginType Type) ([]Descriptor, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var descriptors []Descriptor

	for key, descriptor := range s.descriptors {
		if key.Type == pluginType {
			descriptors = append(descriptors, descriptor)
		}
	}

	SortDescriptors(descriptors)
	return descriptors, nil
}

func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}
