package ring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/ring"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := ring.New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, []int{3, 4, 5}, b.Snapshot())
}

func TestBufferLast(t *testing.T) {
	b := ring.New[string](5)
	b.Push("a")
	b.Push("b")
	b.Push("c")
	require.Equal(t, []string{"b", "c"}, b.Last(2))
	require.Equal(t, []string{"a", "b", "c"}, b.Last(10))
}

func TestBufferFilter(t *testing.T) {
	b := ring.New[int](10)
	for i := 1; i <= 6; i++ {
		b.Push(i)
	}
	evens := b.Filter(func(v int) bool { return v%2 == 0 })
	require.Equal(t, []int{2, 4, 6}, evens)
}

func TestBufferResetKeepsSequence(t *testing.T) {
	b := ring.New[int](2)
	first := b.Push(1)
	b.Reset()
	require.Zero(t, b.Len())
	second := b.Push(2)
	require.Greater(t, second, first)
}

func TestBufferCapacityMustBePositive(t *testing.T) {
	require.Panics(t, func() { ring.New[int](0) })
}
