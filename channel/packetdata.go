package channel

import "github.com/mas-bandwidth/yojimbo-sub001/message"

// PacketData is what a channel contributes to one outgoing connection
// packet: either a run of whole messages, or a single block fragment. A
// channel never mixes the two forms in the same packet, mirroring yojimbo's
// ChannelPacketData tagged union.
type PacketData struct {
	ChannelIndex int
	Messages     []message.Message
	Block        *BlockFragment
}

// BlockFragment carries one piece of a block message in flight. FragmentID
// and NumFragments let the receiver reassemble regardless of arrival order;
// BlockSize is the full block's size, needed to size the reassembly buffer
// before the last fragment (which may be short) arrives.
type BlockFragment struct {
	MessageID    uint16
	Type         uint16
	FragmentID   int
	NumFragments int
	FragmentSize int
	BlockSize    int
	Data         []byte

	// Msg carries the block message itself on fragment 0 only: on write it
	// is the message whose Serialize writes the user-defined fields that
	// accompany the block's raw bytes; on read it is the message the wire
	// format just built and populated via that same Serialize call, still
	// missing its block buffer until reassembly completes.
	Msg message.Message
}

// Empty reports whether this PacketData carries nothing, a signal to the
// connection that the channel has nothing to contribute this tick.
func (p PacketData) Empty() bool {
	return len(p.Messages) == 0 && p.Block == nil
}
