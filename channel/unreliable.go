package channel

import (
	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
	"github.com/mas-bandwidth/yojimbo-sub001/netconf"
)

// Unreliable is the fire-and-forget channel: bounded FIFO send/receive
// queues, no resends, no acks, no ordering guarantee beyond plain arrival
// order. A full send queue rejects the new message with ErrSendQueueFull
// and keeps the messages already queued.
type Unreliable struct {
	index   int
	config  netconf.ChannelConfig
	factory *message.Factory

	sendQueue    *arena.Queue[message.Message]
	receiveQueue *arena.Queue[message.Message]

	Counters Counters
}

// NewUnreliable constructs an Unreliable channel at the given
// connection-level index.
func NewUnreliable(index int, cfg netconf.ChannelConfig, factory *message.Factory) *Unreliable {
	return &Unreliable{
		index:        index,
		config:       cfg,
		factory:      factory,
		sendQueue:    arena.NewQueue[message.Message](cfg.SendQueueSize),
		receiveQueue: arena.NewQueue[message.Message](cfg.ReceiveQueueSize),
	}
}

// Index returns the connection-assigned channel index.
func (c *Unreliable) Index() int { return c.index }

// SendMessage enqueues m for best-effort delivery. Fails with
// ErrSendQueueFull if the send queue is already at capacity; unlike the
// reliable channel nothing acks to make room, so room frees up only as
// GeneratePacketData drains the queue.
func (c *Unreliable) SendMessage(m message.Message) error {
	c.factory.AddRef(m)
	if !c.sendQueue.Push(m) {
		c.factory.Release(m)
		return ErrSendQueueFull
	}
	return nil
}

// ReceiveMessage pops the next delivered message, if any has arrived.
func (c *Unreliable) ReceiveMessage() (message.Message, bool) {
	return c.receiveQueue.Pop()
}

// GeneratePacketData drains as many queued messages as fit under maxBits
// (and the channel's own packet budget, if set) into this tick's packet.
// A message that does not fit even as the first one taken is released and
// dropped; anything else not drained stays queued for the next tick — there is no resend
// timer to wait out, since this channel only ever sends once. packetSeq is
// accepted but unused, so Unreliable and Reliable share one Channel
// interface from the connection's point of view.
func (c *Unreliable) GeneratePacketData(packetSeq uint16, maxBits int) PacketData {
	budget := maxBits
	if c.config.PacketBudget > 0 && c.config.PacketBudget*8 < budget {
		budget = c.config.PacketBudget * 8
	}

	var msgs []message.Message
	used := 0
	for len(msgs) < c.config.MaxMessagesPerPacket {
		m, ok := c.sendQueue.Peek()
		if !ok {
			break
		}
		ms := bits.NewMeasureStream()
		m.Serialize(ms)
		cost := ms.BitsProcessed() + 32
		if used+cost > budget {
			if len(msgs) > 0 {
				break
			}
			c.sendQueue.Pop()
			c.factory.Release(m)
			continue
		}
		c.sendQueue.Pop()
		used += cost
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return PacketData{ChannelIndex: c.index}
	}
	c.Counters.MessagesSent += uint64(len(msgs))
	return PacketData{ChannelIndex: c.index, Messages: msgs}
}

// ProcessPacketData delivers a received run of messages straight into the
// receive queue, releasing (dropping) any that arrive when it is full.
func (c *Unreliable) ProcessPacketData(pd PacketData) error {
	for _, m := range pd.Messages {
		if !c.receiveQueue.Push(m) {
			c.factory.Release(m)
			continue
		}
		c.Counters.MessagesReceived++
	}
	return nil
}
