package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAdmitsUpToLimit(t *testing.T) {
	a := New(16)
	buf, err := a.Allocate(16)
	require.NoError(t, err)
	require.Len(t, buf, 16)
	require.EqualValues(t, 16, a.InUse())
}

func TestArenaRejectsOverLimit(t *testing.T) {
	a := New(16)
	_, err := a.Allocate(8)
	require.NoError(t, err)
	_, err = a.Allocate(9)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.True(t, a.OutOfMemory())
}

func TestArenaFreeReclaims(t *testing.T) {
	a := New(16)
	_, err := a.Allocate(16)
	require.NoError(t, err)
	a.Free(16)
	require.EqualValues(t, 0, a.InUse())
	_, err = a.Allocate(16)
	require.NoError(t, err)
}

func TestBitArraySetClearGet(t *testing.T) {
	b := NewBitArray(130)
	require.False(t, b.Get(0))
	b.Set(0)
	b.Set(64)
	b.Set(129)
	require.True(t, b.Get(0))
	require.True(t, b.Get(64))
	require.True(t, b.Get(129))
	require.Equal(t, 3, b.Count())
	b.Clear(64)
	require.False(t, b.Get(64))
	require.Equal(t, 2, b.Count())
}

func TestBitArrayAll(t *testing.T) {
	b := NewBitArray(5)
	for i := 0; i < 5; i++ {
		require.False(t, b.All())
		b.Set(i)
	}
	require.True(t, b.All())
}

func TestQueuePushPopFIFO(t *testing.T) {
	q := NewQueue[int](3)
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	require.True(t, q.Push(3))
	require.True(t, q.Full())
	require.False(t, q.Push(4))

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.True(t, q.Push(4))

	for _, want := range []int{2, 3, 4} {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, v)
	}
	require.True(t, q.Empty())
}
