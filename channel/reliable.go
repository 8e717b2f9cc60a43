// Package channel implements the two channel kinds a connection multiplexes:
// Reliable (ordered, resends until acked, optional single-block-in-flight
// transfer) and Unreliable (fire-and-forget, bounded queues, no resends).
// A Connection owns one of these per configured channel and drives them
// from generate_packet/process_packet/process_acks each tick.
package channel

import (
	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
	"github.com/mas-bandwidth/yojimbo-sub001/netconf"
	"github.com/mas-bandwidth/yojimbo-sub001/seqbuf"
)

type sendQueueEntry struct {
	valid        bool
	msg          message.Message
	everSent     bool // false means "never sent" (time_last_sent = -inf); lastSentTime alone can't carry that, since 0 is a legitimate send time at simulation start
	lastSentTime float64
	measuredBits int
}

type receiveQueueEntry struct {
	valid bool
	msg   message.Message
}

type sentPacketRecord struct {
	valid      bool
	messageIDs []uint16
	block      *blockAckInfo
}

type blockAckInfo struct {
	messageID  uint16
	fragmentID int
}

type sendBlockState struct {
	messageID    uint16
	msgType      uint16
	msg          message.Message // the block message itself, serialized onto fragment 0 only
	data         []byte
	fragmentSize int
	numFragments int
	acked        []bool
	ackedCount   int
	everSent     []bool // see sendQueueEntry.everSent: a zero lastSent collides with t=0
	lastSent     []float64
}

type receiveBlockState struct {
	messageID    uint16
	msgType      uint16
	msg          message.Message // built from fragment 0's embedded fields; nil until fragment 0 arrives
	numFragments int
	fragmentSize int
	blockSize    int
	received     []bool
	receivedCnt  int
	buffer       []byte
}

// Counters exposes send/receive bookkeeping for diagnostics and tests,
// which read these rather than inferring behavior from timing.
type Counters struct {
	MessagesSent     uint64
	MessagesReceived uint64
	MessagesResent   uint64
	ScanAborted      uint64 // packet-generation scans that stopped early on the bit budget or the per-packet message cap
	BytesFragmented  uint64 // payload bytes handed to generateBlockFragment, cumulative
}

// FragmentsInFlight returns the number of block fragments currently
// awaiting ack for the block in flight, or 0 if no block is being sent.
func (c *Reliable) FragmentsInFlight() int {
	if c.sendBlock == nil {
		return 0
	}
	return c.sendBlock.numFragments - c.sendBlock.ackedCount
}

// Reliable is the ordered, resend-until-acked channel. Messages are
// delivered to the application in the exact order they were sent; a block
// message (one carrying a byte blob too large for a single message) is
// fragmented and, at most one at a time, streamed until every fragment is
// acked before the channel moves past it.
type Reliable struct {
	index   int
	config  netconf.ChannelConfig
	factory *message.Factory
	arena   *arena.Arena

	sendMessageID    uint16
	oldestUnacked    uint16
	receiveMessageID uint16

	sendQueue    *seqbuf.Buffer[sendQueueEntry]
	receiveQueue *seqbuf.Buffer[receiveQueueEntry]
	sentPackets  *seqbuf.Buffer[sentPacketRecord]

	sendBlock *sendBlockState
	recvBlock *receiveBlockState

	time float64

	desynced bool
	Counters Counters
}

// NewReliable constructs a Reliable channel at the given connection-level
// index, using factory to build and release messages and a (the
// connection's arena) to account fragment-reassembly buffers against the
// connection's memory budget.
func NewReliable(index int, cfg netconf.ChannelConfig, factory *message.Factory, a *arena.Arena) *Reliable {
	c := &Reliable{
		index:   index,
		config:  cfg,
		factory: factory,
		arena:   a,
	}
	c.sendQueue = seqbuf.New[sendQueueEntry](cfg.SendQueueSize, nil)
	c.receiveQueue = seqbuf.New[receiveQueueEntry](cfg.ReceiveQueueSize, func(seq uint16, e *receiveQueueEntry) {
		if e.valid && e.msg != nil {
			factory.Release(e.msg)
		}
	})
	c.sentPackets = seqbuf.New[sentPacketRecord](256, nil)
	return c
}

// Index returns the connection-assigned channel index.
func (c *Reliable) Index() int { return c.index }

// Desynced reports whether this channel has latched an unrecoverable
// protocol error (a receive-window overflow or a malformed packet).
func (c *Reliable) Desynced() bool { return c.desynced }

// AdvanceTime moves the channel's clock forward; message and fragment
// resend timers are measured against it.
func (c *Reliable) AdvanceTime(t float64) { c.time = t }

func (c *Reliable) queueDepth() int { return int(c.sendMessageID - c.oldestUnacked) }

// SendMessage enqueues m for ordered, reliable delivery, assigning it the
// next message id. Fails with ErrSendQueueFull if the send queue has no
// room until older messages are acked.
func (c *Reliable) SendMessage(m message.Message) error {
	if c.queueDepth() >= c.config.SendQueueSize {
		return ErrSendQueueFull
	}
	id := c.sendMessageID
	m.SetID(id)
	c.factory.AddRef(m)

	ms := bits.NewMeasureStream()
	m.Serialize(ms)

	entry := c.sendQueue.Insert(id)
	*entry = sendQueueEntry{valid: true, msg: m, measuredBits: ms.BitsProcessed() + 32}
	c.sendMessageID++
	return nil
}

// SendBlock enqueues a block-carrying message for fragmented delivery. Like
// SendMessage it is subject to the send queue's capacity; additionally it
// fails with ErrBlocksDisabled if this channel's configuration turns blocks
// off.
func (c *Reliable) SendBlock(m message.Message) error {
	if c.config.DisableBlocks {
		return ErrBlocksDisabled
	}
	return c.SendMessage(m)
}

// ReceiveMessage pops the next in-order delivered message, if the one the
// application is waiting for has arrived.
func (c *Reliable) ReceiveMessage() (message.Message, bool) {
	entry := c.receiveQueue.Find(c.receiveMessageID)
	if entry == nil || !entry.valid {
		return nil, false
	}
	m := entry.msg
	// Ownership passes to the caller: clear the entry so the receive
	// queue's onRemove callback does not release the delivered message.
	entry.valid = false
	entry.msg = nil
	c.receiveQueue.RemoveAt(c.receiveMessageID)
	c.receiveMessageID++
	c.Counters.MessagesReceived++
	return m, true
}

// GeneratePacketData builds this channel's contribution to the outgoing
// packet with connection sequence packetSeq, spending no more than
// maxBits. Returns an empty PacketData if the channel has nothing due to
// (re)send right now.
func (c *Reliable) GeneratePacketData(packetSeq uint16, maxBits int) PacketData {
	budget := maxBits
	if c.config.PacketBudget > 0 && c.config.PacketBudget*8 < budget {
		budget = c.config.PacketBudget * 8
	}

	if c.sendBlock != nil {
		return c.generateBlockFragment(packetSeq, budget)
	}

	headEntry := c.sendQueue.Find(c.oldestUnacked)
	if headEntry != nil && headEntry.valid && headEntry.msg.IsBlock() && !c.config.DisableBlocks {
		c.startBlock(headEntry.msg)
		return c.generateBlockFragment(packetSeq, budget)
	}

	var msgs []message.Message
	var ids []uint16
	used := 0
	scanned := 0
	for id := c.oldestUnacked; id != c.sendMessageID && scanned < c.config.SendQueueSize; id++ {
		scanned++
		entry := c.sendQueue.Find(id)
		if entry == nil || !entry.valid {
			continue
		}
		if entry.msg.IsBlock() {
			break // stop before a block entry; it is handled on its own turn
		}
		if entry.everSent && c.time-entry.lastSentTime < c.config.MessageResendTime.Seconds() {
			continue
		}
		if len(msgs) >= c.config.MaxMessagesPerPacket {
			c.Counters.ScanAborted++
			break
		}
		used += entry.measuredBits
		if used > budget && len(msgs) > 0 {
			c.Counters.ScanAborted++
			break
		}
		if entry.everSent {
			c.Counters.MessagesResent++
		}
		entry.everSent = true
		entry.lastSentTime = c.time
		msgs = append(msgs, entry.msg)
		ids = append(ids, id)
	}
	if len(msgs) == 0 {
		return PacketData{ChannelIndex: c.index}
	}
	rec := c.sentPackets.Insert(packetSeq)
	*rec = sentPacketRecord{valid: true, messageIDs: ids}
	c.Counters.MessagesSent += uint64(len(msgs))
	return PacketData{ChannelIndex: c.index, Messages: msgs}
}

func (c *Reliable) startBlock(m message.Message) {
	blk := m.(interface{ Block() []byte }).Block()
	numFragments := (len(blk) + c.config.FragmentSize - 1) / c.config.FragmentSize
	if numFragments == 0 {
		numFragments = 1
	}
	c.sendBlock = &sendBlockState{
		messageID:    m.ID(),
		msgType:      m.Type(),
		msg:          m,
		data:         blk,
		fragmentSize: c.config.FragmentSize,
		numFragments: numFragments,
		acked:        make([]bool, numFragments),
		everSent:     make([]bool, numFragments),
		lastSent:     make([]float64, numFragments),
	}
}

func (c *Reliable) generateBlockFragment(packetSeq uint16, budget int) PacketData {
	sb := c.sendBlock
	chosen := -1
	for i := 0; i < sb.numFragments; i++ {
		if sb.acked[i] {
			continue
		}
		if sb.everSent[i] && c.time-sb.lastSent[i] < c.config.FragmentResendTime.Seconds() {
			continue
		}
		chosen = i
		break
	}
	if chosen == -1 {
		return PacketData{ChannelIndex: c.index}
	}
	start := chosen * sb.fragmentSize
	end := start + sb.fragmentSize
	if end > len(sb.data) {
		end = len(sb.data)
	}
	sb.everSent[chosen] = true
	sb.lastSent[chosen] = c.time
	c.Counters.BytesFragmented += uint64(end - start)

	rec := c.sentPackets.Insert(packetSeq)
	*rec = sentPacketRecord{valid: true, block: &blockAckInfo{messageID: sb.messageID, fragmentID: chosen}}

	var fragMsg message.Message
	if chosen == 0 {
		fragMsg = sb.msg
	}
	return PacketData{
		ChannelIndex: c.index,
		Block: &BlockFragment{
			MessageID:    sb.messageID,
			Type:         sb.msgType,
			FragmentID:   chosen,
			NumFragments: sb.numFragments,
			FragmentSize: sb.fragmentSize,
			BlockSize:    len(sb.data),
			Data:         sb.data[start:end],
			Msg:          fragMsg,
		},
	}
}

// ProcessAck applies an endpoint-confirmed packet sequence to this
// channel's bookkeeping: every message or block fragment this channel put
// into that packet is marked acked, and the send queue/block state advance
// past anything now fully acknowledged.
func (c *Reliable) ProcessAck(packetSeq uint16) {
	rec := c.sentPackets.Find(packetSeq)
	if rec == nil || !rec.valid {
		return
	}
	if rec.block != nil {
		c.ackBlockFragment(*rec.block)
	} else {
		for _, id := range rec.messageIDs {
			entry := c.sendQueue.Find(id)
			if entry == nil || !entry.valid {
				continue
			}
			c.factory.Release(entry.msg)
			c.sendQueue.RemoveAt(id)
		}
		c.advanceOldestUnacked()
	}
	c.sentPackets.RemoveAt(packetSeq)
}

func (c *Reliable) ackBlockFragment(info blockAckInfo) {
	sb := c.sendBlock
	if sb == nil || sb.messageID != info.messageID || sb.acked[info.fragmentID] {
		return
	}
	sb.acked[info.fragmentID] = true
	sb.ackedCount++
	if sb.ackedCount != sb.numFragments {
		return
	}
	entry := c.sendQueue.Find(sb.messageID)
	if entry != nil && entry.valid {
		c.factory.Release(entry.msg)
		c.sendQueue.RemoveAt(sb.messageID)
	}
	c.sendBlock = nil
	c.advanceOldestUnacked()
}

func (c *Reliable) advanceOldestUnacked() {
	for c.oldestUnacked != c.sendMessageID {
		if c.sendQueue.Exists(c.oldestUnacked) {
			break
		}
		c.oldestUnacked++
	}
}

// ProcessPacketData ingests one channel's worth of received packet
// contents: either a block fragment (accumulated into the in-flight
// reassembly) or a run of whole messages (buffered for in-order delivery).
// Returns ErrDesync if the sender references a message id far enough ahead
// of what this channel can buffer to indicate the two sides have
// desynchronized.
func (c *Reliable) ProcessPacketData(pd PacketData) error {
	if pd.Block != nil {
		return c.processBlockFragment(pd.Block)
	}
	for _, m := range pd.Messages {
		if err := c.processMessage(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Reliable) processMessage(m message.Message) error {
	id := m.ID()
	if sequenceLess(id, c.receiveMessageID) {
		c.factory.Release(m) // duplicate of something already delivered
		return nil
	}
	if c.receiveQueue.Exists(id) {
		c.factory.Release(m) // duplicate retransmit
		return nil
	}
	if int(id-c.receiveMessageID) >= c.config.ReceiveQueueSize {
		c.desynced = true
		return ErrDesync
	}
	entry := c.receiveQueue.Insert(id)
	*entry = receiveQueueEntry{valid: true, msg: m}
	return nil
}

func (c *Reliable) processBlockFragment(f *BlockFragment) error {
	if c.config.DisableBlocks {
		return ErrBlocksDisabled
	}
	if sequenceLess(f.MessageID, c.receiveMessageID) {
		return nil // already delivered; sender will stop once it sees the ack
	}
	if f.MessageID != c.receiveMessageID {
		if int(f.MessageID-c.receiveMessageID) >= c.config.ReceiveQueueSize {
			c.desynced = true
			return ErrDesync
		}
		return nil // future block, not our turn yet under single-block-in-flight
	}
	if c.recvBlock == nil {
		if f.NumFragments > c.config.MaxFragmentsPerBlock() {
			c.desynced = true
			return ErrDesync
		}
		buf, err := c.arena.Allocate(f.BlockSize)
		if err != nil {
			return ErrOutOfMemory
		}
		c.recvBlock = &receiveBlockState{
			messageID:    f.MessageID,
			msgType:      f.Type,
			numFragments: f.NumFragments,
			fragmentSize: f.FragmentSize,
			blockSize:    f.BlockSize,
			received:     make([]bool, f.NumFragments),
			buffer:       buf,
		}
	}
	rb := c.recvBlock
	if rb.messageID != f.MessageID || rb.numFragments != f.NumFragments {
		c.desynced = true
		return ErrDesync
	}
	if f.FragmentID == 0 && f.Msg != nil {
		rb.msg = f.Msg
	}
	if !rb.received[f.FragmentID] {
		rb.received[f.FragmentID] = true
		rb.receivedCnt++
		copy(rb.buffer[f.FragmentID*rb.fragmentSize:], f.Data)
	}
	if rb.receivedCnt != rb.numFragments {
		return nil
	}

	// rb.msg was built and had its user-defined fields deserialized when
	// fragment 0 arrived; reassembly can't have completed without it.
	m := rb.msg
	if m == nil {
		var err error
		m, err = c.factory.Create(rb.msgType)
		if err != nil {
			return ErrFailedToSerialize
		}
	}
	settable, ok := m.(blockSettable)
	if !ok {
		return ErrFailedToSerialize
	}
	settable.SetBlock(rb.buffer, len(rb.buffer))
	m.SetID(rb.messageID)

	entry := c.receiveQueue.Insert(rb.messageID)
	*entry = receiveQueueEntry{valid: true, msg: m}
	c.recvBlock = nil
	return nil
}

// sequenceLess reports whether a identifies an older message id than b,
// honoring 16-bit wraparound the same way seqbuf's comparisons do.
func sequenceLess(a, b uint16) bool {
	return a != b && !sequenceGreaterOrEqual(a, b)
}

func sequenceGreaterOrEqual(a, b uint16) bool {
	return a == b || (a > b && a-b <= 32768) || (a < b && b-a > 32768)
}
