package history

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func values(pts []Point) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

func TestNewRejectsInvalidCapacity(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = New(-3)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestPushEvictsOldest(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Push(MachineCPU, at(i), float64(i)))
	}
	pts := s.Read(MachineCPU)
	assert.Equal(t, []float64{2, 3, 4}, values(pts))
	assert.Equal(t, at(2), pts[0].At)
	assert.Equal(t, 3, s.Len(MachineCPU))

	for i := 5; i <= 10; i++ {
		require.NoError(t, s.Push(MachineCPU, at(i), float64(i)))
	}
	assert.Equal(t, []float64{8, 9, 10}, values(s.Read(MachineCPU)))
}

func TestPushOrdering(t *testing.T) {
	s, err := New(5)
	require.NoError(t, err)

	require.NoError(t, s.Push(MachineRAM, at(2), 10))
	require.NoError(t, s.Push(MachineRAM, at(2), 12))
	assert.Equal(t, []float64{12}, values(s.Read(MachineRAM)), "equal timestamp replaces")

	err = s.Push(MachineRAM, at(1), 99)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, []float64{12}, values(s.Read(MachineRAM)))
}

func TestAverage(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)

	assert.Equal(t, 0.0, s.Average("missing", 0))

	for i, v := range []float64{10, 20, 30, 40, 50} {
		require.NoError(t, s.Push(MachineCPU, at(i), v))
	}
	assert.InDelta(t, 35.0, s.Average(MachineCPU, 0), 1e-9)
	assert.InDelta(t, 45.0, s.Average(MachineCPU, 2), 1e-9)
	assert.InDelta(t, 35.0, s.Average(MachineCPU, 100), 1e-9)
}

func TestReadReturnsCopy(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)
	require.NoError(t, s.Push("x", at(1), 1))

	pts := s.Read("x")
	pts[0].Value = 42
	assert.Equal(t, []float64{1}, values(s.Read("x")))
	assert.Empty(t, s.Read("unknown"))
}

func TestLatestAndDrop(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)

	_, ok := s.Latest(ProcessCPU(7))
	assert.False(t, ok)

	require.NoError(t, s.Push(ProcessCPU(7), at(1), 3))
	require.NoError(t, s.Push(ProcessRAM(7), at(1), 4))
	p, ok := s.Latest(ProcessCPU(7))
	require.True(t, ok)
	assert.Equal(t, 3.0, p.Value)
	assert.Equal(t, []string{"proc.7.cpu", "proc.7.ram"}, s.IDs())

	s.Drop(ProcessCPU(7), ProcessRAM(7), "never-existed")
	assert.Empty(t, s.IDs())
}

func TestConcurrentPushAndRead(t *testing.T) {
	s, err := New(DefaultCapacity)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			_ = s.Push(MachineCPU, at(i), float64(i))
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			pts := s.Read(MachineCPU)
			for i := 1; i < len(pts); i++ {
				assert.True(t, pts[i].At.After(pts[i-1].At))
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, DefaultCapacity, s.Len(MachineCPU))
}
