// Package conn implements the Connection type that multiplexes channels
// over a single reliable endpoint: it builds one outgoing datagram per tick
// by asking each configured channel for its contribution, and fans a
// received datagram back out to the channel each piece of it targets.
package conn

import (
	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/channel"
	"github.com/mas-bandwidth/yojimbo-sub001/endpoint"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
	"github.com/mas-bandwidth/yojimbo-sub001/netconf"
	"github.com/mas-bandwidth/yojimbo-sub001/rmetrics"
)

// FaultLevel names the latched connection-level faults: once one of these
// is set the connection stops being driven and the application is expected
// to tear it down.
type FaultLevel int

const (
	FaultNone FaultLevel = iota
	FaultChannelDesync
	FaultMessageFactory
	FaultAllocator
	FaultReadPacketFailed
)

// ErrReadPacketFailed is returned (and latches FaultReadPacketFailed) when
// an incoming payload cannot be parsed as a well-formed connection packet —
// distinct from the endpoint's own malformed-datagram rejection, this is a
// failure to parse the reassembled application payload the endpoint handed
// up.
var ErrReadPacketFailed = errors.New("conn: failed to read packet")

// Connection is the top-level object an application drives: one per peer,
// wrapping an endpoint, an arena, a message factory, and every configured
// channel.
type Connection struct {
	ID uuid.UUID

	config       netconf.ConnectionConfig
	factory      *message.Factory
	arena        *arena.Arena
	endpoint     *endpoint.Endpoint
	channels     []channel.Channel
	time         float64
	lastActivity float64
	logger       *zap.SugaredLogger

	fault FaultLevel
	err   error

	// Metrics, when set via SetMetrics, receives per-tick deltas of the
	// endpoint's cumulative counters. Nil by default so a Connection never
	// pays for metrics it wasn't given.
	Metrics       *rmetrics.Connection
	prevStats     endpoint.Stats
	prevFragBytes uint64
}

// SetMetrics attaches a metrics sink to this connection. Call it any time
// after New; AdvanceTime starts diffing endpoint and channel counters into
// it from the next tick onward.
func (c *Connection) SetMetrics(m *rmetrics.Connection) {
	c.Metrics = m
	c.prevStats = c.endpoint.Stats
	c.prevFragBytes = c.totalBytesFragmented()
}

func (c *Connection) totalBytesFragmented() uint64 {
	var total uint64
	for _, ch := range c.channels {
		if r, ok := ch.(*channel.Reliable); ok {
			total += r.Counters.BytesFragmented
		}
	}
	return total
}

func (c *Connection) totalFragmentsInFlight() int {
	var total int
	for _, ch := range c.channels {
		if r, ok := ch.(*channel.Reliable); ok {
			total += r.FragmentsInFlight()
		}
	}
	return total
}

// New builds a Connection. transmit is called with each raw datagram the
// endpoint produces (fragmented or not); the caller is responsible for
// actually putting it on the wire (a UDP socket, an in-memory pipe in
// tests, etc).
func New(cfg netconf.ConnectionConfig, endpointCfg netconf.EndpointConfig, factory *message.Factory, memoryLimit int64, transmit func(data []byte) error, logger *zap.SugaredLogger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "conn: invalid configuration")
	}
	if err := endpointCfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "conn: invalid endpoint configuration")
	}

	c := &Connection{
		ID:      uuid.New(),
		config:  cfg,
		factory: factory,
		arena:   arena.New(memoryLimit),
		logger:  logger,
	}

	c.channels = make([]channel.Channel, len(cfg.Channels))
	for i, chCfg := range cfg.Channels {
		switch chCfg.Type {
		case netconf.ReliableOrdered:
			c.channels[i] = channel.NewReliable(i, chCfg, factory, c.arena)
		case netconf.UnreliableUnordered:
			c.channels[i] = channel.NewUnreliable(i, chCfg, factory)
		}
	}

	c.endpoint = endpoint.New(endpointCfg, transmit, c.onEndpointReceive, c.onEndpointAck)
	return c, nil
}

// Faulted reports whether this connection has latched an unrecoverable
// error and should be torn down.
func (c *Connection) Faulted() bool { return c.fault != FaultNone }

// Fault returns the latched fault level and the error that caused it, or
// FaultNone and a nil error if the connection is healthy.
func (c *Connection) Fault() (FaultLevel, error) { return c.fault, c.err }

func (c *Connection) latch(level FaultLevel, err error) error {
	if c.fault == FaultNone {
		c.fault = level
		c.err = err
	}
	if c.logger != nil {
		c.logger.Errorw("connection fault", "level", level, "error", err, "connection", c.ID)
	}
	return err
}

// AdvanceTime sets the connection's clock — and the endpoint's and every
// reliable channel's — to t, the caller's current time in seconds.
func (c *Connection) AdvanceTime(t float64) {
	c.time = t
	c.endpoint.AdvanceTime(t)
	for _, ch := range c.channels {
		if r, ok := ch.(*channel.Reliable); ok {
			r.AdvanceTime(t)
		}
	}
	c.observeMetrics()
}

// observeMetrics diffs the endpoint's cumulative counters against the last
// observed snapshot and reports the deltas to Metrics, if one is attached.
// Stale packets and invalid fragments both represent packets that arrived
// but were discarded, so both feed the "dropped" counter.
func (c *Connection) observeMetrics() {
	if c.Metrics == nil {
		return
	}
	cur := c.endpoint.Stats
	prev := c.prevStats
	sent := cur.PacketsSent - prev.PacketsSent
	received := cur.PacketsReceived - prev.PacketsReceived
	dropped := (cur.PacketsStale - prev.PacketsStale) + (cur.FragmentsInvalid - prev.FragmentsInvalid)
	acked := cur.PacketsAcked - prev.PacketsAcked
	c.Metrics.ObserveEndpointStats(sent, received, dropped, acked)
	c.prevStats = cur

	fragBytes := c.totalBytesFragmented()
	if c.Metrics.BytesFragmented != nil {
		c.Metrics.BytesFragmented.Add(float64(fragBytes - c.prevFragBytes))
	}
	c.prevFragBytes = fragBytes
	if c.Metrics.FragmentsInFlight != nil {
		c.Metrics.FragmentsInFlight.Set(float64(c.totalFragmentsInFlight()))
	}
}

// LastActivity returns the connection time at which a packet was last
// successfully received, for keep-alive/timeout bookkeeping in the layer
// above.
func (c *Connection) LastActivity() float64 { return c.lastActivity }

// NumChannels returns how many channels this connection was configured
// with.
func (c *Connection) NumChannels() int { return len(c.channels) }

// SendMessage enqueues m for delivery on the given channel index.
func (c *Connection) SendMessage(channelIndex int, m message.Message) error {
	if channelIndex < 0 || channelIndex >= len(c.channels) {
		return errors.Errorf("conn: channel index %d out of range", channelIndex)
	}
	return c.channels[channelIndex].SendMessage(m)
}

// SendBlock enqueues a block-carrying message on the given channel, which
// must be a Reliable channel with blocks enabled.
func (c *Connection) SendBlock(channelIndex int, m message.Message) error {
	if channelIndex < 0 || channelIndex >= len(c.channels) {
		return errors.Errorf("conn: channel index %d out of range", channelIndex)
	}
	r, ok := c.channels[channelIndex].(*channel.Reliable)
	if !ok {
		return channel.ErrBlocksDisabled
	}
	return r.SendBlock(m)
}

// ReceiveMessage pops the next delivered message on the given channel
// index, if one is available.
func (c *Connection) ReceiveMessage(channelIndex int) (message.Message, bool) {
	if channelIndex < 0 || channelIndex >= len(c.channels) {
		return nil, false
	}
	return c.channels[channelIndex].ReceiveMessage()
}

// conservativePacketHeaderBits and conservativeChannelHeaderBits are the
// fixed per-packet and per-channel-entry overheads GeneratePacket deducts
// from its running available_bits budget: the packet one once, before any
// channel is asked, and the channel-entry one after each contributing
// channel, on top of that channel's exact measured size. Both are
// conservative estimates of the entry-count and channel-index fields.
const (
	conservativePacketHeaderBits  = 16
	conservativeChannelHeaderBits = 32
)

// bitsForCount returns the bit width needed to encode any value in
// [0, n] inclusive: ceil(log2(n+1)).
func bitsForCount(n int) int { return bitsForRange(n + 1) }

// bitsForRange returns the bit width needed to encode any value in
// [0, n) exclusive: ceil(log2(n)), or 0 if n <= 1 (nothing to distinguish).
func bitsForRange(n int) int {
	if n <= 1 {
		return 0
	}
	bits := 0
	for (1 << uint(bits)) < n {
		bits++
	}
	return bits
}

// measureChannelBits runs pd through the wire format in measuring mode to
// get its exact bit cost, the same Stream a channel's own
// GeneratePacketData budget check would see once actually serialized.
func measureChannelBits(pd *channel.PacketData, maxMessages int) int {
	ms := bits.NewMeasureStream()
	if !channel.WritePacketData(ms, pd, maxMessages) {
		return 0
	}
	return ms.BitsProcessed()
}

// GeneratePacket asks every channel for its contribution and hands the
// combined payload to the endpoint, which assigns it a sequence number and
// transmits it (fragmenting if necessary). Returns the assigned sequence.
//
// Channels are budgeted against a running available_bits pool rather than
// a flat per-channel split: it starts at max_bytes*8 minus a conservative
// packet-header estimate, and each channel that actually contributes
// deducts its measured bit cost plus a conservative per-channel-entry
// estimate before the next channel is asked.
func (c *Connection) GeneratePacket() (uint16, error) {
	if c.factory.Broken() {
		return 0, c.latch(FaultMessageFactory, errors.New("conn: message factory is broken"))
	}
	if c.arena.OutOfMemory() {
		return 0, c.latch(FaultAllocator, arena.ErrOutOfMemory)
	}

	seq := c.endpoint.NextSequence()
	buf := make([]byte, align4(c.config.MaxPacketSize))
	ws := bits.NewWriteStream(buf)

	numChannels := len(c.channels)
	availableBits := c.config.MaxPacketSize*8 - conservativePacketHeaderBits

	type chosenEntry struct {
		index int
		pd    channel.PacketData
	}
	var entries []chosenEntry
	for i, ch := range c.channels {
		budget := availableBits
		if budget < 0 {
			budget = 0
		}
		pd := ch.GeneratePacketData(seq, budget)
		if pd.Empty() {
			continue
		}
		maxMessages := c.config.Channels[i].MaxMessagesPerPacket
		used := measureChannelBits(&pd, maxMessages)
		if used <= 0 {
			continue
		}
		availableBits -= used + conservativeChannelHeaderBits
		entries = append(entries, chosenEntry{index: i, pd: pd})
	}

	numEntries := uint32(len(entries))
	if !ws.SerializeBits(&numEntries, bitsForCount(numChannels)) {
		return 0, errors.New("conn: packet buffer too small to build outgoing packet")
	}
	indexBits := bitsForRange(numChannels)
	for _, e := range entries {
		if indexBits > 0 {
			idx := uint32(e.index)
			if !ws.SerializeBits(&idx, indexBits) {
				return 0, errors.New("conn: packet buffer too small to build outgoing packet")
			}
		}
		maxMessages := c.config.Channels[e.index].MaxMessagesPerPacket
		if !channel.WritePacketData(ws, &e.pd, maxMessages) {
			return 0, errors.New("conn: failed to serialize outgoing channel data")
		}
	}
	ws.Flush()

	payload := buf[:ws.Writer().BytesWritten()]
	if _, err := c.endpoint.SendPacket(payload); err != nil {
		return 0, errors.Wrap(err, "conn: failed to send packet")
	}
	return seq, nil
}

// ProcessPacket hands a raw received datagram to the endpoint, which
// reassembles fragments and invokes onEndpointReceive once a whole
// connection packet is available.
func (c *Connection) ProcessPacket(data []byte) error {
	return c.endpoint.ReceivePacket(data)
}

func (c *Connection) onEndpointReceive(payload []byte) {
	rs := bits.NewReadStream(payload)
	numChannels := len(c.channels)

	numEntries := uint32(0)
	if !rs.SerializeBits(&numEntries, bitsForCount(numChannels)) {
		c.latch(FaultReadPacketFailed, ErrReadPacketFailed)
		return
	}
	if int(numEntries) > numChannels {
		c.latch(FaultReadPacketFailed, ErrReadPacketFailed)
		return
	}

	indexBits := bitsForRange(numChannels)
	nextImplicitIndex := 0
	for e := uint32(0); e < numEntries; e++ {
		idx := nextImplicitIndex
		if indexBits > 0 {
			raw := uint32(0)
			if !rs.SerializeBits(&raw, indexBits) {
				c.latch(FaultReadPacketFailed, ErrReadPacketFailed)
				return
			}
			idx = int(raw)
		}
		if idx < 0 || idx >= numChannels {
			c.latch(FaultReadPacketFailed, ErrReadPacketFailed)
			return
		}
		nextImplicitIndex = idx + 1

		maxMessages := c.config.Channels[idx].MaxMessagesPerPacket
		fragmentSize := c.config.Channels[idx].FragmentSize
		pd, ok := channel.ReadPacketData(rs, c.factory, maxMessages, fragmentSize)
		if !ok {
			c.latch(FaultReadPacketFailed, ErrReadPacketFailed)
			return
		}
		if err := c.channels[idx].ProcessPacketData(pd); err != nil {
			c.latch(FaultChannelDesync, err)
			return
		}
	}
	c.lastActivity = c.time
}

func (c *Connection) onEndpointAck(seq uint16) {
	for _, ch := range c.channels {
		if a, ok := ch.(channel.Ackable); ok {
			a.ProcessAck(seq)
		}
	}
}

func align4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}
