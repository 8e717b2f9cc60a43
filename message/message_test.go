package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
)

const (
	typeChat  = 0
	typeBlock = 1
)

type chatMessage struct {
	Base
	Text string
}

func newChatMessage() Message { return &chatMessage{Base: NewBase(typeChat)} }

func (m *chatMessage) Serialize(s *bits.Stream) bool {
	return s.SerializeString(&m.Text, 256)
}

type fileMessage struct {
	BlockBase
	Name string
}

func newFileFactory(a *arena.Arena) func() Message {
	return func() Message { return &fileMessage{BlockBase: NewBlockBase(typeBlock, a)} }
}

func (m *fileMessage) Serialize(s *bits.Stream) bool {
	return s.SerializeString(&m.Name, 64)
}

func newTestFactory() *Factory {
	a := arena.New(0)
	f := NewFactory(2)
	f.Register(typeChat, newChatMessage)
	f.Register(typeBlock, newFileFactory(a))
	return f
}

func TestFactoryCreateAssignsRefCountOne(t *testing.T) {
	f := newTestFactory()
	m, err := f.Create(typeChat)
	require.NoError(t, err)
	require.Equal(t, 1, m.refCount())
	require.False(t, m.IsBlock())
}

func TestFactoryCreateUnknownType(t *testing.T) {
	f := newTestFactory()
	_, err := f.Create(5)
	require.ErrorIs(t, err, ErrUnknownType)
	require.True(t, f.Broken())
}

func TestAddRefAndReleaseLifecycle(t *testing.T) {
	f := newTestFactory()
	m, err := f.Create(typeChat)
	require.NoError(t, err)

	f.AddRef(m) // e.g. the send queue holds one, a sent-packet record holds another
	require.Equal(t, 2, m.refCount())

	f.Release(m)
	require.Equal(t, 1, m.refCount())
	f.Release(m)
	require.Equal(t, 0, m.refCount())
}

func TestBlockMessageFreesBufferOnFinalRelease(t *testing.T) {
	a := arena.New(1024)
	f := NewFactory(2)
	f.Register(typeBlock, newFileFactory(a))

	m, err := f.Create(typeBlock)
	require.NoError(t, err)
	block := m.(*fileMessage)
	require.True(t, block.IsBlock())
	require.NoError(t, block.AllocateBlock(256))
	require.EqualValues(t, 256, a.InUse())

	f.Release(m)
	require.EqualValues(t, 0, a.InUse())
	require.Nil(t, block.Block())
}

func TestMessageRoundTripsThroughStream(t *testing.T) {
	f := newTestFactory()
	m, err := f.Create(typeChat)
	require.NoError(t, err)
	chat := m.(*chatMessage)
	chat.Text = "hello world"

	buf := make([]byte, 64)
	ws := bits.NewWriteStream(buf)
	require.True(t, chat.Serialize(ws))
	ws.Flush()

	out := &chatMessage{Base: NewBase(typeChat)}
	rs := bits.NewReadStream(buf)
	require.True(t, out.Serialize(rs))
	require.Equal(t, chat.Text, out.Text)
}
