package bits

import "math"

// Mode selects which behavior a Stream exhibits. The same serialize
// function, written once by the caller against the Stream type, produces
// the write path, the read path, and an upper-bound bit-count measurement
// depending on which Mode the Stream was constructed with.
type Mode int

const (
	ModeWrite Mode = iota
	ModeRead
	ModeMeasure
)

// Stream drives a single user-written serialize function through all three
// behaviors. Write/Read dispatch to an underlying Writer/Reader; Measure
// accumulates an upper bound on the bit cost without touching any buffer.
type Stream struct {
	mode         Mode
	writer       *Writer
	reader       *Reader
	measuredBits int
}

// NewWriteStream returns a Stream that writes into buf (length must be a
// multiple of 4, see Writer).
func NewWriteStream(buf []byte) *Stream {
	return &Stream{mode: ModeWrite, writer: NewWriter(buf)}
}

// NewReadStream returns a Stream that reads from buf.
func NewReadStream(buf []byte) *Stream {
	return &Stream{mode: ModeRead, reader: NewReader(buf)}
}

// NewMeasureStream returns a Stream that only counts bits.
func NewMeasureStream() *Stream {
	return &Stream{mode: ModeMeasure}
}

func (s *Stream) Mode() Mode        { return s.mode }
func (s *Stream) IsWriting() bool   { return s.mode == ModeWrite }
func (s *Stream) IsReading() bool   { return s.mode == ModeRead }
func (s *Stream) IsMeasuring() bool { return s.mode == ModeMeasure }

// Writer exposes the underlying bit writer; only meaningful in write mode.
func (s *Stream) Writer() *Writer { return s.writer }

// Reader exposes the underlying bit reader; only meaningful in read mode.
func (s *Stream) Reader() *Reader { return s.reader }

// BitsProcessed returns bits written, bits read, or the running measurement,
// depending on mode.
func (s *Stream) BitsProcessed() int {
	switch s.mode {
	case ModeWrite:
		return s.writer.BitsWritten()
	case ModeRead:
		return s.reader.BitsRead()
	default:
		return s.measuredBits
	}
}

// Flush must be called after a sequence of writes and before the written
// buffer is trusted; it is a no-op outside write mode.
func (s *Stream) Flush() {
	if s.mode == ModeWrite {
		s.writer.Flush()
	}
}

// BitsRequired returns ceil(log2(max-min+1)), the exact width serialize_int
// needs to represent every value in [min,max]. A single-valued range costs
// zero bits.
func BitsRequired(min, max int64) int {
	if max < min {
		panic("bits: BitsRequired given max < min")
	}
	span := uint64(max-min) + 1
	if span <= 1 {
		return 0
	}
	bits := 0
	for (uint64(1) << uint(bits)) < span {
		bits++
	}
	return bits
}

// SerializeInt reads, writes, or measures *value constrained to [min,max].
// On read, an out-of-range decoded value fails the call rather than being
// silently clamped — this is the defense against adversarial senders the
// bit width alone cannot provide.
func (s *Stream) SerializeInt(value *int64, min, max int64) bool {
	n := BitsRequired(min, max)
	if n == 0 {
		if s.mode == ModeRead {
			*value = min
		}
		return true
	}
	switch s.mode {
	case ModeRead:
		raw, ok := s.reader.ReadBits(n)
		if !ok {
			return false
		}
		v := min + int64(raw)
		if v < min || v > max {
			return false
		}
		*value = v
		return true
	case ModeWrite:
		if *value < min || *value > max {
			return false
		}
		if err := s.writer.WriteBits(uint32(*value-min), n); err != nil {
			return false
		}
		return true
	default: // ModeMeasure
		if *value < min || *value > max {
			return false
		}
		s.measuredBits += n
		return true
	}
}

// SerializeBits reads, writes, or measures a raw unsigned value occupying
// exactly n bits (1 <= n <= 32), with no range validation beyond the bit
// width itself.
func (s *Stream) SerializeBits(value *uint32, n int) bool {
	switch s.mode {
	case ModeRead:
		v, ok := s.reader.ReadBits(n)
		if !ok {
			return false
		}
		*value = v
		return true
	case ModeWrite:
		if err := s.writer.WriteBits(*value, n); err != nil {
			return false
		}
		return true
	default:
		s.measuredBits += n
		return true
	}
}

// SerializeBool reads, writes, or measures a single bit.
func (s *Stream) SerializeBool(value *bool) bool {
	var v uint32
	if s.mode != ModeRead && *value {
		v = 1
	}
	if !s.SerializeBits(&v, 1) {
		return false
	}
	if s.mode == ModeRead {
		*value = v != 0
	}
	return true
}

// SerializeFloat32 reads, writes, or measures a float32 by bitwise
// reinterpretation, spending exactly 32 bits.
func (s *Stream) SerializeFloat32(value *float32) bool {
	var bits32 uint32
	if s.mode != ModeRead {
		bits32 = math.Float32bits(*value)
	}
	if !s.SerializeBits(&bits32, 32) {
		return false
	}
	if s.mode == ModeRead {
		*value = math.Float32frombits(bits32)
	}
	return true
}

// SerializeAlign pads/consumes to the next byte boundary. In measure mode
// the cost is conservatively counted as 7 bits (the worst case), since the
// true alignment offset is not known until the preceding fields have
// actually been written.
func (s *Stream) SerializeAlign() bool {
	switch s.mode {
	case ModeWrite:
		return s.writer.WriteAlign() == nil
	case ModeRead:
		return s.reader.ReadAlign()
	default:
		s.measuredBits += 7
		return true
	}
}

// SerializeBytes reads, writes, or measures a fixed-length raw byte slice.
// The stream must be byte-aligned already (call SerializeAlign first).
func (s *Stream) SerializeBytes(data []byte) bool {
	switch s.mode {
	case ModeWrite:
		return s.writer.WriteBytes(data) == nil
	case ModeRead:
		return s.reader.ReadBytes(data)
	default:
		s.measuredBits += len(data) * 8
		return true
	}
}

// SerializeString reads, writes, or measures a variable-length string whose
// byte length is at most maxBytes.
func (s *Stream) SerializeString(value *string, maxBytes int) bool {
	length := int64(0)
	if s.mode != ModeRead {
		length = int64(len(*value))
	}
	if !s.SerializeInt(&length, 0, int64(maxBytes)) {
		return false
	}
	if !s.SerializeAlign() {
		return false
	}
	if s.mode == ModeRead {
		buf := make([]byte, length)
		if !s.SerializeBytes(buf) {
			return false
		}
		*value = string(buf)
		return true
	}
	return s.SerializeBytes([]byte(*value))
}

// sequenceRelativeTiers are the (lo,hi) payload ranges used by
// SerializeSequenceRelative, tried in order: a one-bit flag picks between
// "difference == 1" (no payload) and each wider tier, falling back to a
// raw 32-bit absolute difference if the gap exceeds every tier.
var sequenceRelativeTiers = [...][2]int64{
	{2, 6},
	{7, 23},
	{24, 280},
	{281, 4377},
	{4378, 69914},
}

// SerializeSequenceRelative packs curr as a delta from prev (unsigned,
// 16-bit wraparound) using a tiered varint: increasingly wide tiers each
// gated by one flag bit, falling back to a raw 32-bit difference when the
// gap is larger than every tier covers. This keeps the common case (the
// next sequential message id) down to a single flag bit.
func (s *Stream) SerializeSequenceRelative(prev uint16, curr *uint16) bool {
	var diff uint32
	if s.mode != ModeRead {
		diff = uint32(*curr - prev)
	}

	isOne := diff == 1
	if !s.SerializeBool(&isOne) {
		return false
	}
	if isOne {
		if s.mode == ModeRead {
			*curr = prev + 1
		}
		return true
	}

	for _, tier := range sequenceRelativeTiers {
		inTier := diff >= uint32(tier[0]) && diff <= uint32(tier[1])
		if !s.SerializeBool(&inTier) {
			return false
		}
		if inTier {
			v := int64(diff)
			if !s.SerializeInt(&v, tier[0], tier[1]) {
				return false
			}
			if s.mode == ModeRead {
				*curr = prev + uint16(v)
			}
			return true
		}
	}

	// Fallback: raw 32-bit difference.
	if !s.SerializeBits(&diff, 32) {
		return false
	}
	if s.mode == ModeRead {
		*curr = prev + uint16(diff)
	}
	return true
}
