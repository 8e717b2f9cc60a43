package bits

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// serializeFixture is a tiny stand-in for a user message: it exercises
// every Stream primitive from one function shared across write/read/measure,
// the pattern every Message type in package message follows.
type serializeFixture struct {
	Count    int64
	Flag     bool
	Position float32
	Name     string
	Payload  [4]byte
}

func (f *serializeFixture) serialize(s *Stream) bool {
	if !s.SerializeInt(&f.Count, 0, 1000) {
		return false
	}
	if !s.SerializeBool(&f.Flag) {
		return false
	}
	if !s.SerializeFloat32(&f.Position) {
		return false
	}
	if !s.SerializeString(&f.Name, 64) {
		return false
	}
	if !s.SerializeAlign() {
		return false
	}
	if !s.SerializeBytes(f.Payload[:]) {
		return false
	}
	return true
}

func TestStreamRoundTrip(t *testing.T) {
	in := &serializeFixture{
		Count:    42,
		Flag:     true,
		Position: 3.5,
		Name:     "hello",
		Payload:  [4]byte{1, 2, 3, 4},
	}

	ms := NewMeasureStream()
	require.True(t, in.serialize(ms))
	measured := ms.BitsProcessed()

	buf := make([]byte, 64)
	ws := NewWriteStream(buf)
	require.True(t, in.serialize(ws))
	ws.Flush()
	require.LessOrEqual(t, ws.BitsProcessed(), measured, "measure must be an upper bound on write cost")

	out := &serializeFixture{}
	rs := NewReadStream(buf[:ws.writer.BytesWritten()])
	require.True(t, out.serialize(rs))

	require.Equal(t, in.Count, out.Count)
	require.Equal(t, in.Flag, out.Flag)
	require.Equal(t, in.Position, out.Position)
	require.Equal(t, in.Name, out.Name)
	require.Equal(t, in.Payload, out.Payload)
}

func TestSerializeIntRejectsOutOfRangeOnRead(t *testing.T) {
	// 4 bits stores 0..15; decoding against the narrower [0,8] range must
	// reject any value in [9,15] even though the bit width matches, since
	// BitsRequired(0,8) == BitsRequired(0,15) == 4.
	buf := make([]byte, 4)
	w := NewWriter(buf)
	require.NoError(t, w.WriteBits(9, 4))
	w.Flush()

	r := NewReadStream(buf)
	var out int64
	require.False(t, r.SerializeInt(&out, 0, 8))
}

func TestSerializeIntZeroWidthRange(t *testing.T) {
	buf := make([]byte, 4)
	w := NewWriteStream(buf)
	v := int64(7)
	require.True(t, w.SerializeInt(&v, 7, 7))
	require.Equal(t, 0, w.BitsProcessed())

	r := NewReadStream(buf)
	var out int64
	require.True(t, r.SerializeInt(&out, 7, 7))
	require.EqualValues(t, 7, out)
}

func TestSerializeSequenceRelativeTiers(t *testing.T) {
	cases := []struct {
		prev, curr uint16
	}{
		{100, 101},   // diff == 1
		{100, 104},   // small tier
		{100, 120},   // mid tier
		{100, 300},   // wider tier
		{100, 4000},  // wide tier
		{100, 60000}, // widest tier
	}
	for _, c := range cases {
		buf := make([]byte, 16)
		w := NewWriteStream(buf)
		curr := c.curr
		require.True(t, w.SerializeSequenceRelative(c.prev, &curr))
		w.Flush()

		r := NewReadStream(buf)
		var got uint16
		require.True(t, r.SerializeSequenceRelative(c.prev, &got))
		require.Equal(t, c.curr, got)
	}
}

func TestMeasureIsUpperBoundOnSequenceRelative(t *testing.T) {
	prev := uint16(10)
	curr := uint16(11)
	ms := NewMeasureStream()
	require.True(t, ms.SerializeSequenceRelative(prev, &curr))
	require.Equal(t, 1, ms.BitsProcessed()) // the isOne flag, nothing else
}
