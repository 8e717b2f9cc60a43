package seqbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type entry struct {
	acked bool
}

func TestInsertAdvancesWindowAndEvicts(t *testing.T) {
	var removed []uint16
	b := New[entry](16, func(seq uint16, e *entry) { removed = append(removed, seq) })

	for i := uint16(0); i < 16; i++ {
		e := b.Insert(i)
		require.NotNil(t, e)
		e.acked = true
	}
	require.Equal(t, uint16(16), b.NextSequence())

	// Inserting 20 skips 16..19, evicting them (all empty, so onRemove
	// should not fire for slots that were never populated) and leaving the
	// window advanced to 21.
	e := b.Insert(20)
	require.NotNil(t, e)
	require.Equal(t, uint16(21), b.NextSequence())
	require.True(t, b.Exists(20))
	require.False(t, b.Exists(4)) // slot 4 now holds sequence 20 (20%16==4)
}

func TestExistsAndStaleness(t *testing.T) {
	b := New[entry](8, nil)
	for i := uint16(0); i < 8; i++ {
		b.Insert(i)
	}
	require.True(t, b.Exists(7))
	require.False(t, b.Exists(7-8))

	// Sequence 0 is now exactly at the edge of the retained window.
	require.False(t, b.IsStale(0))

	b.Insert(8) // advances window to 9, evicting slot for seq 0
	require.False(t, b.Exists(0))
	require.True(t, b.IsStale(0))
}

func TestInsertRejectsStaleSequence(t *testing.T) {
	b := New[entry](8, nil)
	for i := uint16(0); i < 20; i++ {
		b.Insert(i)
	}
	require.Nil(t, b.Insert(5)) // far behind the current window of size 8
}

func TestGenerateAckBits(t *testing.T) {
	b := New[entry](256, nil)
	for _, seq := range []uint16{10, 9, 7, 3} {
		b.Insert(seq)
	}
	bits := b.GenerateAckBits(10)
	require.Equal(t, uint32(1), bits&1)        // ack-0 == 10 present
	require.Equal(t, uint32(1<<1), bits&(1<<1)) // ack-1 == 9 present
	require.Equal(t, uint32(0), bits&(1<<2))   // ack-2 == 8 absent
	require.Equal(t, uint32(1<<3), bits&(1<<3)) // ack-3 == 7 present
}

func TestRemoveAtInvokesCallback(t *testing.T) {
	var got []uint16
	b := New[entry](8, func(seq uint16, e *entry) { got = append(got, seq) })
	b.Insert(2)
	b.RemoveAt(2)
	require.Equal(t, []uint16{2}, got)
	require.False(t, b.Exists(2))
}
