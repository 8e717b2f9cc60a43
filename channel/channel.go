package channel

import "github.com/mas-bandwidth/yojimbo-sub001/message"

// Channel is what a Connection drives: ask it for this tick's outgoing
// contribution, hand it whatever arrived addressed to this channel index,
// and let it deliver messages back out in whatever order it promises.
// Reliable and Unreliable both satisfy it; only Reliable additionally
// implements Ackable.
type Channel interface {
	Index() int
	GeneratePacketData(packetSeq uint16, maxBits int) PacketData
	ProcessPacketData(pd PacketData) error
	ReceiveMessage() (message.Message, bool)
	SendMessage(m message.Message) error
}

// Ackable is implemented by channels that care about per-packet ack
// feedback from the endpoint layer. Reliable does; Unreliable has nothing
// to do with an ack and does not implement it.
type Ackable interface {
	ProcessAck(packetSeq uint16)
}
