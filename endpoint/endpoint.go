package endpoint

import (
	"github.com/pkg/errors"

	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/netconf"
	"github.com/mas-bandwidth/yojimbo-sub001/seqbuf"
)

// ErrPacketTooLarge is returned by SendPacket when a payload would need more
// fragments than the endpoint is configured to track.
var ErrPacketTooLarge = errors.New("endpoint: packet exceeds max fragments")

// ErrMalformedPacket is returned by ReceivePacket for anything that fails to
// parse as a well-formed header, fragment, or reassembled payload.
var ErrMalformedPacket = errors.New("endpoint: malformed packet")

// Stats are the counters the endpoint exposes for tests and diagnostics
// rather than control flow.
type Stats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketsStale     uint64
	PacketsAcked     uint64
	FragmentsSent    uint64
	FragmentsReceived uint64
	FragmentsInvalid uint64
}

type sentPacketEntry struct {
	acked    bool
	timeSent float64
	size     int
}

type reassemblyEntry struct {
	numFragments  int
	receivedCount int
	received      []bool
	fragmentSize  int
	lastFragSize  int
	buffer        []byte
}

// Endpoint assigns sequence numbers to outgoing payloads, fragments ones too
// large for a single datagram, reassembles incoming fragments, and
// maintains the ack bitfield both directions piggyback on every datagram.
// It has no notion of channels or messages: Transmit/OnReceive/OnAck are the
// only points of contact with the layer above.
type Endpoint struct {
	config netconf.EndpointConfig

	transmit  func(data []byte) error
	onReceive func(payload []byte)
	onAck     func(sequence uint16)

	sequence uint16

	sentPackets     *seqbuf.Buffer[sentPacketEntry]
	receivedPackets *seqbuf.Buffer[struct{}]
	reassembly      *seqbuf.Buffer[reassemblyEntry]

	time float64

	Stats Stats
}

// New builds an Endpoint. transmit is called once per datagram (fragment or
// whole) the endpoint produces. onReceive is called once per fully
// reassembled application payload. onAck is called once for every
// previously-sent sequence newly confirmed delivered by an incoming ack.
func New(cfg netconf.EndpointConfig, transmit func(data []byte) error, onReceive func(payload []byte), onAck func(sequence uint16)) *Endpoint {
	e := &Endpoint{
		config:    cfg,
		transmit:  transmit,
		onReceive: onReceive,
		onAck:     onAck,
	}
	e.sentPackets = seqbuf.New[sentPacketEntry](cfg.SentPacketsBufferSize, nil)
	e.receivedPackets = seqbuf.New[struct{}](cfg.ReceivedPacketsBufferSize, nil)
	e.reassembly = seqbuf.New[reassemblyEntry](cfg.MaxReassemblyInFlight, nil)
	return e
}

// AdvanceTime moves the endpoint's clock forward; it is purely bookkeeping
// here (resend timing is the channel's job, driven by its own
// message/fragment resend timers), kept so sent-packet records carry an
// accurate send timestamp; nothing in this package reads that timestamp.
func (e *Endpoint) AdvanceTime(t float64) { e.time = t }

// NextSequence returns the sequence SendPacket will assign next.
func (e *Endpoint) NextSequence() uint16 { return e.sequence }

// SendPacket assigns the next sequence number to payload, splits it into
// fragments if it exceeds config.FragmentAbove, and transmits each piece
// with a piggybacked ack header. It returns the sequence number assigned,
// which the channel layer associates with whatever it put in the payload.
func (e *Endpoint) SendPacket(payload []byte) (uint16, error) {
	seq := e.sequence
	e.sequence++

	numFragments := 1
	if len(payload) > e.config.FragmentAbove {
		numFragments = (len(payload) + e.config.FragmentSize - 1) / e.config.FragmentSize
	}
	if numFragments > e.config.MaxFragments {
		return 0, errors.Wrapf(ErrPacketTooLarge, "sequence %d needs %d fragments", seq, numFragments)
	}

	entry := e.sentPackets.Insert(seq)
	*entry = sentPacketEntry{timeSent: e.time, size: len(payload)}

	ack := e.receivedPackets.NextSequence() - 1
	ackBits := e.receivedPackets.GenerateAckBits(ack)

	if numFragments == 1 {
		if err := e.sendRegular(seq, ack, ackBits, payload); err != nil {
			return 0, err
		}
		e.Stats.PacketsSent++
		return seq, nil
	}

	for id := 0; id < numFragments; id++ {
		start := id * e.config.FragmentSize
		end := start + e.config.FragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := e.sendFragment(seq, uint8(id), uint8(numFragments), ack, ackBits, payload[start:end]); err != nil {
			return 0, err
		}
		e.Stats.FragmentsSent++
	}
	e.Stats.PacketsSent++
	return seq, nil
}

func (e *Endpoint) sendRegular(seq, ack uint16, ackBits uint32, payload []byte) error {
	h := header{Sequence: seq, Ack: ack, AckBits: ackBits}
	buf := make([]byte, align4(headerSize(h)+len(payload)))
	w := bits.NewWriter(buf)
	if err := writeHeader(w, h); err != nil {
		return err
	}
	if err := w.WriteBytes(payload); err != nil {
		return err
	}
	w.Flush()
	return e.transmit(buf[:w.BytesWritten()])
}

// sendFragment writes a fragment header for every piece of a split packet,
// but only fragment 0 additionally embeds the compact regular header (ack
// state): the receiver only needs one copy of that state per packet, and
// reliable.io's own fragmented send path piggybacks it on fragment 0 alone
// rather than repeating it on every piece.
func (e *Endpoint) sendFragment(seq uint16, id, num uint8, ack uint16, ackBits uint32, chunk []byte) error {
	var embedded header
	extra := 0
	if id == 0 {
		embedded = header{Sequence: seq, Ack: ack, AckBits: ackBits}
		extra = headerSize(embedded)
	}
	buf := make([]byte, align4(FragmentHeaderBytes+extra+len(chunk)))
	w := bits.NewWriter(buf)
	if err := writeFragmentHeader(w, fragmentHeader{PacketSequence: seq, FragmentID: id, NumFragments: num}); err != nil {
		return err
	}
	if id == 0 {
		if err := writeHeader(w, embedded); err != nil {
			return err
		}
	}
	if err := w.WriteBytes(chunk); err != nil {
		return err
	}
	w.Flush()
	return e.transmit(buf[:w.BytesWritten()])
}

func align4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// ReceivePacket parses an incoming datagram: a regular packet is delivered
// immediately via onReceive, a fragment is buffered until its siblings
// arrive and then delivered once reassembled. Either way the piggybacked
// ack state is processed against sentPackets, firing onAck for every newly
// confirmed sequence.
func (e *Endpoint) ReceivePacket(data []byte) error {
	if len(data) < 1 {
		return ErrMalformedPacket
	}
	r := bits.NewReader(data)
	if data[0]&1 == prefixFragment {
		return e.receiveFragment(r)
	}
	return e.receiveRegular(r)
}

func (e *Endpoint) receiveRegular(r *bits.Reader) error {
	h, ok := readHeader(r)
	if !ok {
		return ErrMalformedPacket
	}
	if e.receivedPackets.IsStale(h.Sequence) {
		e.Stats.PacketsStale++
		return nil
	}
	payload := r.RemainingBytes()
	e.processAcks(h.Ack, h.AckBits)
	e.recordReceived(h.Sequence)
	e.Stats.PacketsReceived++
	e.onReceive(payload)
	return nil
}

func (e *Endpoint) receiveFragment(r *bits.Reader) error {
	h, ok := readFragmentHeader(r)
	if !ok || h.NumFragments == 0 || int(h.NumFragments) > e.config.MaxFragments || h.FragmentID >= h.NumFragments {
		e.Stats.FragmentsInvalid++
		return ErrMalformedPacket
	}

	// Ack state rides only on fragment 0, embedded as a full compact
	// regular header right after the fragment header; every other
	// fragment carries nothing but its slice of payload.
	var ack uint16
	var ackBits uint32
	if h.FragmentID == 0 {
		embedded, ok := readHeader(r)
		if !ok || embedded.Sequence != h.PacketSequence {
			e.Stats.FragmentsInvalid++
			return ErrMalformedPacket
		}
		ack, ackBits = embedded.Ack, embedded.AckBits
	}
	chunk := r.RemainingBytes()

	if e.reassembly.IsStale(h.PacketSequence) {
		e.Stats.PacketsStale++
		return nil
	}

	entry := e.reassembly.Find(h.PacketSequence)
	if entry == nil {
		entry = e.reassembly.Insert(h.PacketSequence)
		*entry = reassemblyEntry{
			numFragments: int(h.NumFragments),
			received:     make([]bool, h.NumFragments),
			fragmentSize: e.config.FragmentSize,
			buffer:       make([]byte, int(h.NumFragments)*e.config.FragmentSize),
		}
	}
	if entry.numFragments != int(h.NumFragments) {
		e.Stats.FragmentsInvalid++
		return ErrMalformedPacket
	}
	if !entry.received[h.FragmentID] {
		entry.received[h.FragmentID] = true
		entry.receivedCount++
		copy(entry.buffer[int(h.FragmentID)*entry.fragmentSize:], chunk)
		if int(h.FragmentID) == entry.numFragments-1 {
			entry.lastFragSize = len(chunk)
		}
	}
	e.Stats.FragmentsReceived++

	e.processAcks(ack, ackBits)

	if entry.receivedCount == entry.numFragments {
		total := (entry.numFragments-1)*entry.fragmentSize + entry.lastFragSize
		payload := entry.buffer[:total]
		e.recordReceived(h.PacketSequence)
		e.Stats.PacketsReceived++
		e.reassembly.RemoveAt(h.PacketSequence)
		e.onReceive(payload)
	}
	return nil
}

func (e *Endpoint) recordReceived(seq uint16) {
	if e.receivedPackets.IsStale(seq) {
		e.Stats.PacketsStale++
		return
	}
	e.receivedPackets.Insert(seq)
}

func (e *Endpoint) processAcks(ack uint16, ackBits uint32) {
	for i := 0; i < 32; i++ {
		if ackBits&(1<<uint(i)) == 0 {
			continue
		}
		seq := ack - uint16(i)
		entry := e.sentPackets.Find(seq)
		if entry == nil || entry.acked {
			continue
		}
		entry.acked = true
		e.Stats.PacketsAcked++
		e.onAck(seq)
	}
}
