package channel

import (
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
)

// blockSettable is implemented by message.BlockBase (and so by every
// application block-message type): it is how the Reliable channel hands a
// reassembled buffer to the block message built from fragment 0 without
// the channel package needing to know the concrete type.
type blockSettable interface {
	SetBlock(data []byte, allocatedCapacity int)
}

// WritePacketData serializes one channel's packet contribution: either a
// run of whole messages (ids delta-coded against the previous one in the
// same packet) or a single block fragment. maxMessages bounds the message
// count field's width on the wire.
func WritePacketData(s *bits.Stream, pd *PacketData, maxMessages int) bool {
	hasBlock := pd.Block != nil
	if !s.SerializeBool(&hasBlock) {
		return false
	}
	if hasBlock {
		return writeBlockFragment(s, pd.Block)
	}
	return writeMessages(s, pd.Messages, maxMessages)
}

func writeBlockFragment(s *bits.Stream, f *BlockFragment) bool {
	messageID := int64(f.MessageID)
	if !s.SerializeInt(&messageID, 0, 65535) {
		return false
	}
	msgType := int64(f.Type)
	if !s.SerializeInt(&msgType, 0, 65535) {
		return false
	}
	fragmentID := int64(f.FragmentID)
	if !s.SerializeInt(&fragmentID, 0, 255) {
		return false
	}
	numFragments := int64(f.NumFragments)
	if !s.SerializeInt(&numFragments, 1, 256) {
		return false
	}
	blockSize := int64(f.BlockSize)
	if !s.SerializeInt(&blockSize, 0, 1<<28-1) {
		return false
	}
	// Only fragment 0 carries the block message's own fields: every other
	// fragment is pure payload bytes, the same split reliable.io draws
	// between a fragment's 5-byte header and the embedded regular header
	// it only attaches to fragment 0.
	if f.FragmentID == 0 {
		if f.Msg == nil || !f.Msg.Serialize(s) {
			return false
		}
	}
	dataLen := int64(len(f.Data))
	if !s.SerializeInt(&dataLen, 0, int64(f.FragmentSize)) {
		return false
	}
	if !s.SerializeAlign() {
		return false
	}
	if s.IsReading() {
		f.Data = make([]byte, dataLen)
	}
	return s.SerializeBytes(f.Data)
}

func writeMessages(s *bits.Stream, msgs []message.Message, maxMessages int) bool {
	count := int64(len(msgs))
	if !s.SerializeInt(&count, 0, int64(maxMessages)) {
		return false
	}
	var prevID uint16
	for i := range msgs {
		m := msgs[i]
		id := m.ID()
		if i == 0 {
			raw := uint32(id)
			if !s.SerializeBits(&raw, 16) {
				return false
			}
		} else {
			if !s.SerializeSequenceRelative(prevID, &id) {
				return false
			}
		}
		prevID = id

		msgType := int64(m.Type())
		if !s.SerializeInt(&msgType, 0, 65535) {
			return false
		}
		if !m.Serialize(s) {
			return false
		}
	}
	return true
}

// ReadPacketData is the read-mode counterpart of WritePacketData. For a
// message run it builds each message via factory (keyed by the type tag on
// the wire) and assigns its id. For a block fragment it returns the
// fragment, and for fragment 0 also the block message, built via factory
// with its own fields read; reassembly and attaching the block buffer are
// the channel's job, not the wire format's.
func ReadPacketData(s *bits.Stream, factory *message.Factory, maxMessages, maxFragmentSize int) (PacketData, bool) {
	var pd PacketData
	hasBlock := false
	if !s.SerializeBool(&hasBlock) {
		return pd, false
	}
	if hasBlock {
		f := &BlockFragment{FragmentSize: maxFragmentSize}
		if !readBlockFragment(s, f, factory) {
			return pd, false
		}
		pd.Block = f
		return pd, true
	}

	count := int64(0)
	if !s.SerializeInt(&count, 0, int64(maxMessages)) {
		return pd, false
	}
	msgs := make([]message.Message, 0, count)
	var prevID uint16
	for i := int64(0); i < count; i++ {
		var id uint16
		if i == 0 {
			raw, ok := s.Reader().ReadBits(16)
			if !ok {
				return pd, false
			}
			id = uint16(raw)
		} else {
			if !s.SerializeSequenceRelative(prevID, &id) {
				return pd, false
			}
		}
		prevID = id

		msgType := int64(0)
		if !s.SerializeInt(&msgType, 0, 65535) {
			return pd, false
		}
		m, err := factory.Create(uint16(msgType))
		if err != nil {
			return pd, false
		}
		if !m.Serialize(s) {
			return pd, false
		}
		m.SetID(id)
		msgs = append(msgs, m)
	}
	pd.Messages = msgs
	return pd, true
}

func readBlockFragment(s *bits.Stream, f *BlockFragment, factory *message.Factory) bool {
	messageID := int64(0)
	if !s.SerializeInt(&messageID, 0, 65535) {
		return false
	}
	msgType := int64(0)
	if !s.SerializeInt(&msgType, 0, 65535) {
		return false
	}
	fragmentID := int64(0)
	if !s.SerializeInt(&fragmentID, 0, 255) {
		return false
	}
	numFragments := int64(0)
	if !s.SerializeInt(&numFragments, 1, 256) {
		return false
	}
	blockSize := int64(0)
	if !s.SerializeInt(&blockSize, 0, 1<<28-1) {
		return false
	}
	if fragmentID == 0 {
		m, err := factory.Create(uint16(msgType))
		if err != nil {
			return false
		}
		if !m.Serialize(s) {
			return false
		}
		f.Msg = m
	}
	dataLen := int64(0)
	if !s.SerializeInt(&dataLen, 0, int64(f.FragmentSize)) {
		return false
	}
	if !s.SerializeAlign() {
		return false
	}
	f.Data = make([]byte, dataLen)
	if !s.SerializeBytes(f.Data) {
		return false
	}
	f.MessageID = uint16(messageID)
	f.Type = uint16(msgType)
	f.FragmentID = int(fragmentID)
	f.NumFragments = int(numFragments)
	f.BlockSize = int(blockSize)
	return true
}
