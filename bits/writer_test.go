package bits

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadBitsRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	w := NewWriter(buf)
	require.NoError(t, w.WriteBits(0, 1))
	require.NoError(t, w.WriteBits(1, 1))
	require.NoError(t, w.WriteBits(10, 8))
	require.NoError(t, w.WriteBits(255, 8))
	require.NoError(t, w.WriteBits(1000, 10))
	require.NoError(t, w.WriteBits(50000, 16))
	require.NoError(t, w.WriteBits(9999999, 32))
	w.Flush()

	r := NewReader(w.Data()[:w.BytesWritten()])
	a, ok := r.ReadBits(1)
	require.True(t, ok)
	require.EqualValues(t, 0, a)
	b, ok := r.ReadBits(1)
	require.True(t, ok)
	require.EqualValues(t, 1, b)
	c, ok := r.ReadBits(8)
	require.True(t, ok)
	require.EqualValues(t, 10, c)
	d, ok := r.ReadBits(8)
	require.True(t, ok)
	require.EqualValues(t, 255, d)
	e, ok := r.ReadBits(10)
	require.True(t, ok)
	require.EqualValues(t, 1000, e)
	f, ok := r.ReadBits(16)
	require.True(t, ok)
	require.EqualValues(t, 50000, f)
	g, ok := r.ReadBits(32)
	require.True(t, ok)
	require.EqualValues(t, 9999999, g)
}

func TestWriteBytesHeadMiddleTail(t *testing.T) {
	buf := make([]byte, 32)
	w := NewWriter(buf)
	require.NoError(t, w.WriteBits(0x5, 3)) // put the head out of word alignment
	data := make([]byte, 13)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, w.WriteAlign())
	require.NoError(t, w.WriteBytes(data))
	w.Flush()

	r := NewReader(w.Data()[:w.BytesWritten()])
	v, ok := r.ReadBits(3)
	require.True(t, ok)
	require.EqualValues(t, 0x5, v)
	require.True(t, r.ReadAlign())
	out := make([]byte, len(data))
	require.True(t, r.ReadBytes(out))
	require.Equal(t, data, out)
}

func TestReadAlignRejectsNonZeroPadding(t *testing.T) {
	buf := make([]byte, 4)
	w := NewWriter(buf)
	require.NoError(t, w.WriteBits(1, 4))
	require.NoError(t, w.WriteBits(0xF, 4)) // non-zero padding where an align would expect zero
	w.Flush()

	r := NewReader(w.Data())
	_, ok := r.ReadBits(4)
	require.True(t, ok)
	require.False(t, r.ReadAlign())
}

func TestWriteBitsRejectsOutOfRangeValue(t *testing.T) {
	w := NewWriter(make([]byte, 4))
	require.Error(t, w.WriteBits(8, 3)) // 8 does not fit in 3 bits
}

func TestWriteBitsRejectsBufferOverflow(t *testing.T) {
	w := NewWriter(make([]byte, 4))
	require.NoError(t, w.WriteBits(1, 32))
	require.Error(t, w.WriteBits(1, 1))
}

func TestReaderToleratesNonMultipleOfFourLength(t *testing.T) {
	buf := make([]byte, 8)
	w := NewWriter(buf)
	require.NoError(t, w.WriteBits(0xABCD, 16))
	w.Flush()

	r := NewReader(w.Data()[:2])
	v, ok := r.ReadBits(16)
	require.True(t, ok)
	require.EqualValues(t, 0xABCD, v)
}
