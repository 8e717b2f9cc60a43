// Package endpoint implements the reliable datagram layer: per-datagram
// sequence numbering, a piggybacked ack bitfield, and fragmentation/
// reassembly of payloads too large for one datagram. It knows nothing
// about channels or messages — it moves opaque
// byte payloads reliably-enough-to-ack over an unreliable transport, the
// same split the yojimbo/reliable.io pair makes between the transport and
// the channel/message layer above it.
package endpoint

import (
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
)

// Packet prefix byte: low bit distinguishes a regular packet from a
// fragment, mirroring reliable.io's packet_header prefix byte. A regular
// packet's prefix byte also carries ack-compression flags in bits 1-5 (see
// writeHeader), so dispatch must test the low bit only, never the whole
// byte against prefixRegular.
const (
	prefixRegular  = 0
	prefixFragment = 1
)

// header is the regular (non-fragment) packet header: sequence number, the
// most recently received sequence this endpoint is acking, and a bitfield
// of the 32 sequences before it.
type header struct {
	Sequence uint16
	Ack      uint16
	AckBits  uint32
}

// MinHeaderBytes and MaxHeaderBytes bound the compact regular header's
// variable wire size: prefix(1) + sequence(2) are always present, then
// either a 1-byte sequence-ack delta or a 2-byte absolute ack, then 0-4
// bytes of ack_bits (one per byte of the 32-bit field that isn't all-1s,
// since a fully-acked run needs no bytes at all).
const (
	MinHeaderBytes = 4
	MaxHeaderBytes = 9
)

// headerSize returns the exact wire size writeHeader will produce for h,
// so callers can size their send buffer instead of always budgeting for
// the worst case.
func headerSize(h header) int {
	n := 3 // prefix + sequence
	if sequenceDelta(h.Sequence, h.Ack) <= 255 {
		n++
	} else {
		n += 2
	}
	for i := uint(0); i < 4; i++ {
		if byte(h.AckBits>>(i*8)) != 0xFF {
			n++
		}
	}
	return n
}

// sequenceDelta is how far ack trails sequence, wrapping the same way the
// 16-bit sequence space itself wraps.
func sequenceDelta(sequence, ack uint16) uint16 { return sequence - ack }

// writeHeader writes the compact ack-compressed regular packet header:
// bits 1-4 of the prefix byte mark which of the four ack_bits bytes are
// NOT all-1s (and so must actually be written; an elided byte is assumed
// fully acked on read), bit 5 selects a 1-byte sequence-relative delta
// for ack instead of its full 2-byte value when that delta fits a byte.
func writeHeader(w *bits.Writer, h header) error {
	b0 := byte(h.AckBits)
	b1 := byte(h.AckBits >> 8)
	b2 := byte(h.AckBits >> 16)
	b3 := byte(h.AckBits >> 24)

	var prefix uint32
	if b0 != 0xFF {
		prefix |= 1 << 1
	}
	if b1 != 0xFF {
		prefix |= 1 << 2
	}
	if b2 != 0xFF {
		prefix |= 1 << 3
	}
	if b3 != 0xFF {
		prefix |= 1 << 4
	}
	delta := sequenceDelta(h.Sequence, h.Ack)
	useDelta := delta <= 255
	if useDelta {
		prefix |= 1 << 5
	}

	if err := w.WriteBits(prefix, 8); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.Sequence), 16); err != nil {
		return err
	}
	if useDelta {
		if err := w.WriteBits(uint32(delta), 8); err != nil {
			return err
		}
	} else {
		if err := w.WriteBits(uint32(h.Ack), 16); err != nil {
			return err
		}
	}
	for _, b := range [...]byte{b0, b1, b2, b3} {
		if b == 0xFF {
			continue
		}
		if err := w.WriteBits(uint32(b), 8); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r *bits.Reader) (header, bool) {
	var h header
	prefix, ok := r.ReadBits(8)
	if !ok || prefix&1 != prefixRegular {
		return h, false
	}
	seq, ok := r.ReadBits(16)
	if !ok {
		return h, false
	}
	h.Sequence = uint16(seq)

	if prefix&(1<<5) != 0 {
		delta, ok := r.ReadBits(8)
		if !ok {
			return h, false
		}
		h.Ack = h.Sequence - uint16(delta)
	} else {
		ack, ok := r.ReadBits(16)
		if !ok {
			return h, false
		}
		h.Ack = uint16(ack)
	}

	ackBits := uint32(0xFFFFFFFF)
	shifts := [...]uint{0, 8, 16, 24}
	for i, shift := range shifts {
		if prefix&(1<<uint(1+i)) == 0 {
			continue
		}
		b, ok := r.ReadBits(8)
		if !ok {
			return h, false
		}
		ackBits &^= 0xFF << shift
		ackBits |= b << shift
	}
	h.AckBits = ackBits
	return h, true
}

// fragmentHeader is the header stamped on every piece of a split packet.
type fragmentHeader struct {
	PacketSequence uint16
	FragmentID     uint8
	NumFragments   uint8
}

// FragmentHeaderBytes is the fixed wire size of a fragment header: 1 prefix
// byte + 2 (packet sequence) + 1 (fragment id) + 1 (num fragments). Only
// fragment 0 carries anything after it (the embedded compact regular
// header); every other fragment goes straight from this header into its
// slice of payload.
const FragmentHeaderBytes = 5

func writeFragmentHeader(w *bits.Writer, h fragmentHeader) error {
	if err := w.WriteBits(prefixFragment, 8); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.PacketSequence), 16); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.FragmentID), 8); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.NumFragments), 8); err != nil {
		return err
	}
	return nil
}

func readFragmentHeader(r *bits.Reader) (fragmentHeader, bool) {
	var h fragmentHeader
	prefix, ok := r.ReadBits(8)
	if !ok || prefix != prefixFragment {
		return h, false
	}
	seq, ok := r.ReadBits(16)
	if !ok {
		return h, false
	}
	id, ok := r.ReadBits(8)
	if !ok {
		return h, false
	}
	num, ok := r.ReadBits(8)
	if !ok {
		return h, false
	}
	h.PacketSequence = uint16(seq)
	h.FragmentID = uint8(id)
	h.NumFragments = uint8(num)
	return h, true
}
