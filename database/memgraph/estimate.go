package memgraph

import (
	"encoding/binary"
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// estimator approximates the number of vertices. Deletions are not subtracted until the next recompute, so the
// estimate drifts upward between warm-ups.
type estimator struct {
	lock   *sync.Mutex
	sketch *hyperloglog.Sketch
	buffer []byte
}

func newEstimator() *estimator {
	return &estimator{
		lock:   &sync.Mutex{},
		sketch: hyperloglog.NewNoSparse(),
		buffer: make([]byte, 8),
	}
}

func (s *estimator) add(ids ...uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, id := range ids {
		binary.LittleEndian.PutUint64(s.buffer, id)
		s.sketch.Insert(s.buffer)
	}
}

func (s *estimator) estimate() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.sketch.Estimate()
}

// reset replaces the sketch with one holding exactly the given ids.
func (s *estimator) reset(ids ...uint64) {
	var (
		sketch = hyperloglog.NewNoSparse()
		buffer = make([]byte, 8)
	)

	for _, id := range ids {
		binary.LittleEndian.PutUint64(buffer, id)
		sketch.Insert(buffer)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.sketch = sketch
}
