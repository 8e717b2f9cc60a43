package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
	"github.com/mas-bandwidth/yojimbo-sub001/netconf"
)

const (
	typeChat  = 0
	typeBlock = 1
)

type chatMessage struct {
	message.Base
	Text string
}

func (m *chatMessage) Serialize(s *bits.Stream) bool { return s.SerializeString(&m.Text, 256) }

// blockMessage carries a user-defined field (Tag) alongside its raw block
// bytes, the way a real block message would attach metadata the block
// buffer itself can't carry. Tag only rides the wire on fragment 0.
type blockMessage struct {
	message.BlockBase
	Tag uint16
}

func newTestFactory(a *arena.Arena) *message.Factory {
	f := message.NewFactory(2)
	f.Register(typeChat, func() message.Message { return &chatMessage{Base: message.NewBase(typeChat)} })
	f.Register(typeBlock, func() message.Message { return &blockMessage{BlockBase: message.NewBlockBase(typeBlock, a)} })
	return f
}

func (m *blockMessage) Serialize(s *bits.Stream) bool {
	raw := uint32(m.Tag)
	if !s.SerializeBits(&raw, 16) {
		return false
	}
	m.Tag = uint16(raw)
	return true
}

// wireRoundTrip serializes pd through WritePacketData/ReadPacketData to
// exercise the actual wire format rather than passing Go objects directly
// between the two channels under test.
func wireRoundTrip(t *testing.T, pd PacketData, factory *message.Factory, maxMessages, maxFragmentSize int) PacketData {
	t.Helper()
	buf := make([]byte, 8192)
	ws := bits.NewWriteStream(buf)
	require.True(t, WritePacketData(ws, &pd, maxMessages))
	ws.Flush()

	rs := bits.NewReadStream(buf)
	out, ok := ReadPacketData(rs, factory, maxMessages, maxFragmentSize)
	require.True(t, ok)
	return out
}

func testChannelConfig() netconf.ChannelConfig {
	cfg := netconf.DefaultChannelConfig()
	cfg.SendQueueSize = 16
	cfg.ReceiveQueueSize = 16
	cfg.MaxMessagesPerPacket = 8
	cfg.MessageResendTime = netconf.Duration(100 * time.Millisecond)
	cfg.FragmentResendTime = netconf.Duration(100 * time.Millisecond)
	cfg.FragmentSize = 8
	cfg.MaxBlockSize = 64
	return cfg
}

func TestReliableSendReceiveInOrder(t *testing.T) {
	cfg := testChannelConfig()
	aArena := arena.New(0)
	bArena := arena.New(0)
	aFactory := newTestFactory(aArena)
	bFactory := newTestFactory(bArena)
	sender := NewReliable(0, cfg, aFactory, aArena)
	receiver := NewReliable(0, cfg, bFactory, bArena)

	for _, text := range []string{"one", "two", "three"} {
		m, err := aFactory.Create(typeChat)
		require.NoError(t, err)
		m.(*chatMessage).Text = text
		require.NoError(t, sender.SendMessage(m))
	}

	pd := sender.GeneratePacketData(0, 8192)
	require.False(t, pd.Empty())
	onWire := wireRoundTrip(t, pd, bFactory, cfg.MaxMessagesPerPacket, cfg.FragmentSize)
	require.NoError(t, receiver.ProcessPacketData(onWire))

	for _, want := range []string{"one", "two", "three"} {
		m, ok := receiver.ReceiveMessage()
		require.True(t, ok)
		require.Equal(t, want, m.(*chatMessage).Text)
	}
	_, ok := receiver.ReceiveMessage()
	require.False(t, ok)
}

func TestReliableResendsAfterTimeout(t *testing.T) {
	cfg := testChannelConfig()
	a := arena.New(0)
	sender := NewReliable(0, cfg, newTestFactory(a), a)

	m, err := sender.factory.Create(typeChat)
	require.NoError(t, err)
	require.NoError(t, sender.SendMessage(m))

	first := sender.GeneratePacketData(0, 8192)
	require.False(t, first.Empty())

	again := sender.GeneratePacketData(1, 8192)
	require.True(t, again.Empty(), "should not resend before MessageResendTime elapses")

	sender.AdvanceTime(0.2)
	resent := sender.GeneratePacketData(2, 8192)
	require.False(t, resent.Empty())
	require.EqualValues(t, 1, sender.Counters.MessagesResent)
}

func TestReliableAckReleasesSendQueue(t *testing.T) {
	cfg := testChannelConfig()
	a := arena.New(0)
	factory := newTestFactory(a)
	sender := NewReliable(0, cfg, factory, a)

	m, err := factory.Create(typeChat)
	require.NoError(t, err)
	require.NoError(t, sender.SendMessage(m))
	require.Equal(t, 2, m.(*chatMessage).RefCount())

	pd := sender.GeneratePacketData(5, 8192)
	require.False(t, pd.Empty())
	sender.ProcessAck(5)

	require.Equal(t, 1, m.(*chatMessage).RefCount())
	require.Equal(t, sender.sendMessageID, sender.oldestUnacked)
}

func TestReliableDesyncOnReceiveOverflow(t *testing.T) {
	cfg := testChannelConfig()
	cfg.ReceiveQueueSize = 4
	a := arena.New(0)
	factory := newTestFactory(a)
	receiver := NewReliable(0, cfg, factory, a)

	m, err := factory.Create(typeChat)
	require.NoError(t, err)
	m.SetID(100) // far beyond the 4-slot window starting at receiveMessageID 0
	err = receiver.ProcessPacketData(PacketData{Messages: []message.Message{m}})
	require.ErrorIs(t, err, ErrDesync)
	require.True(t, receiver.Desynced())
}

func TestReliableBlockTransferSingleInFlight(t *testing.T) {
	cfg := testChannelConfig()
	aArena := arena.New(1024)
	bArena := arena.New(1024)
	aFactory := newTestFactory(aArena)
	bFactory := newTestFactory(bArena)
	sender := NewReliable(0, cfg, aFactory, aArena)
	receiver := NewReliable(0, cfg, bFactory, bArena)

	blk, err := aFactory.Create(typeBlock)
	require.NoError(t, err)
	bm := blk.(*blockMessage)
	bm.Tag = 4242
	require.NoError(t, bm.AllocateBlock(20))
	for i := range bm.Block() {
		bm.Block()[i] = byte(i)
	}
	require.NoError(t, sender.SendBlock(blk))

	var seq uint16
	for {
		pd := sender.GeneratePacketData(seq, 8192)
		if pd.Empty() {
			break
		}
		onWire := wireRoundTrip(t, pd, bFactory, cfg.MaxMessagesPerPacket, cfg.FragmentSize)
		require.NoError(t, receiver.ProcessPacketData(onWire))
		sender.ProcessAck(seq)
		seq++
		if seq > 10 {
			t.Fatal("block transfer did not complete within 10 fragments")
		}
	}

	m, ok := receiver.ReceiveMessage()
	require.True(t, ok)
	rb := m.(*blockMessage)
	require.EqualValues(t, 4242, rb.Tag)
	require.Len(t, rb.Block(), 20)
	for i, b := range rb.Block() {
		require.EqualValues(t, byte(i), b)
	}
}
