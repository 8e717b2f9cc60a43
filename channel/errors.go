package channel

import "github.com/pkg/errors"

// These are the channel-level error sentinels. SendMessage and SendBlock
// return ErrSendQueueFull or ErrBlocksDisabled to their caller only. An
// error returned by ProcessPacketData is latched by conn as
// FaultChannelDesync, and ErrDesync also sets Reliable.Desynced. No channel
// refuses later calls after returning one of them.
var (
	ErrSendQueueFull     = errors.New("channel: send queue full")
	ErrBlocksDisabled    = errors.New("channel: blocks disabled for this channel")
	ErrDesync            = errors.New("channel: desync")
	ErrFailedToSerialize = errors.New("channel: failed to serialize")
	ErrOutOfMemory       = errors.New("channel: out of memory")
)
