// Package history keeps fixed-capacity, time-ordered series of samples.
package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const DefaultCapacity = 60

var (
	ErrOutOfOrder      = errors.New("sample is older than the newest point")
	ErrInvalidCapacity = errors.New("capacity must be positive")
)

// Well-known series ids. Per-process series are built with ProcessCPU and
// ProcessRAM.
const (
	MachineCPU = "machine.cpu"
	MachineRAM = "machine.ram"
)

func ProcessCPU(pid int32) string { return fmt.Sprintf("proc.%d.cpu", pid) }

func ProcessRAM(pid int32) string { return fmt.Sprintf("proc.%d.ram", pid) }

type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// ring is a fixed-size circular buffer. start indexes the oldest point.
type ring struct {
	points []Point
	start  int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{points: make([]Point, capacity)}
}

func (r *ring) last() (Point, bool) {
	if r.size == 0 {
		return Point{}, false
	}
	return r.points[(r.start+r.size-1)%len(r.points)], true
}

func (r *ring) push(p Point) {
	if r.size < len(r.points) {
		r.points[(r.start+r.size)%len(r.points)] = p
		r.size++
		return
	}
	r.points[r.start] = p
	r.start = (r.start + 1) % len(r.points)
}

func (r *ring) replaceLast(p Point) {
	r.points[(r.start+r.size-1)%len(r.points)] = p
}

// tail copies the newest n points in chronological order.
func (r *ring) tail(n int) []Point {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Point, n)
	first := r.start + r.size - n
	for i := range n {
		out[i] = r.points[(first+i)%len(r.points)]
	}
	return out
}

// Store holds one ring per series id. All series share the same capacity.
// It is safe for concurrent use; readers never observe a partial push.
type Store struct {
	mu       sync.RWMutex
	capacity int
	series   map[string]*ring
}

func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Store{capacity: capacity, series: make(map[string]*ring)}, nil
}

func (s *Store) Capacity() int {
	return s.capacity
}

// Push appends a sample. A sample with the same timestamp as the newest point
// replaces it; an older one is rejected with ErrOutOfOrder. Once a series is
// full the oldest point is evicted.
func (s *Store) Push(id string, at time.Time, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.series[id]
	if !ok {
		r = newRing(s.capacity)
		s.series[id] = r
	}
	p := Point{At: at, Value: value}
	if last, ok := r.last(); ok {
		switch {
		case at.Before(last.At):
			return fmt.Errorf("%w: %s at %s, newest %s", ErrOutOfOrder, id, at.Format(time.RFC3339Nano), last.At.Format(time.RFC3339Nano))
		case at.Equal(last.At):
			r.replaceLast(p)
			return nil
		}
	}
	r.push(p)
	return nil
}

// Read returns a copy of the series, oldest first. Unknown ids read as empty.
func (s *Store) Read(id string) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.series[id]
	if !ok {
		return []Point{}
	}
	return r.tail(0)
}

// Latest returns the newest point of a series.
func (s *Store) Latest(id string) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.series[id]
	if !ok {
		return Point{}, false
	}
	return r.last()
}

// Average is the arithmetic mean over the newest window points, or over the
// whole series when window is not positive. Empty series average to 0.
func (s *Store) Average(id string, window int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.series[id]
	if !ok || r.size == 0 {
		return 0
	}
	pts := r.tail(window)
	var sum float64
	for _, p := range pts {
		sum += p.Value
	}
	return sum / float64(len(pts))
}

func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.series[id]; ok {
		return r.size
	}
	return 0
}

// Drop forgets a series. Dropping an unknown id is a no-op.
func (s *Store) Drop(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.series, id)
	}
}

// IDs lists the known series ids in lexical order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
