package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
)

func TestUnreliableSendQueueFullRejectsExtra(t *testing.T) {
	cfg := testChannelConfig()
	cfg.SendQueueSize = 2
	a := arena.New(0)
	factory := newTestFactory(a)
	c := NewUnreliable(0, cfg, factory)

	for i := 0; i < 2; i++ {
		m, err := factory.Create(typeChat)
		require.NoError(t, err)
		require.NoError(t, c.SendMessage(m))
	}
	extra, err := factory.Create(typeChat)
	require.NoError(t, err)
	require.ErrorIs(t, c.SendMessage(extra), ErrSendQueueFull)
}

func TestUnreliableGeneratePacketDataDrainsQueueAndDelivers(t *testing.T) {
	cfg := testChannelConfig()
	aArena := arena.New(0)
	bArena := arena.New(0)
	sender := NewUnreliable(0, cfg, newTestFactory(aArena))
	receiver := NewUnreliable(0, cfg, newTestFactory(bArena))

	for _, text := range []string{"a", "b"} {
		m, err := sender.factory.Create(typeChat)
		require.NoError(t, err)
		m.(*chatMessage).Text = text
		require.NoError(t, sender.SendMessage(m))
	}

	pd := sender.GeneratePacketData(0, 8192)
	require.False(t, pd.Empty())

	onWire := wireRoundTrip(t, pd, receiver.factory, cfg.MaxMessagesPerPacket, cfg.FragmentSize)
	require.NoError(t, receiver.ProcessPacketData(onWire))

	for _, want := range []string{"a", "b"} {
		m, ok := receiver.ReceiveMessage()
		require.True(t, ok)
		require.Equal(t, want, m.(*chatMessage).Text)
	}
}

func TestUnreliableReceiveQueueFullDropsMessage(t *testing.T) {
	cfg := testChannelConfig()
	cfg.ReceiveQueueSize = 1
	a := arena.New(0)
	factory := newTestFactory(a)
	c := NewUnreliable(0, cfg, factory)

	first, err := factory.Create(typeChat)
	require.NoError(t, err)
	second, err := factory.Create(typeChat)
	require.NoError(t, err)

	require.NoError(t, c.ProcessPacketData(PacketData{Messages: []message.Message{first}}))
	require.NoError(t, c.ProcessPacketData(PacketData{Messages: []message.Message{second}}))

	_, ok := c.ReceiveMessage()
	require.True(t, ok)
	_, ok = c.ReceiveMessage()
	require.False(t, ok, "second message should have been dropped when the queue was full")
}
