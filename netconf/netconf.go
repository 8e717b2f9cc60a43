// Package netconf holds the configuration types shared by the endpoint,
// channel, and connection packages, plus their TOML-file loading in
// sibling package config. Keeping the types here (rather than inside
// channel/conn themselves) lets config depend only on netconf, avoiding an
// import cycle back into the packages it configures.
package netconf

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

func errf(format string, args ...interface{}) error { return fmt.Errorf(format, args...) }

// Duration wraps time.Duration with text (un)marshaling so it can be
// written in a TOML config file as a plain string ("100ms") the way
// BurntSushi/toml's encoding.TextUnmarshaler support expects, instead of
// forcing every config file to spell resend times out in raw nanoseconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Seconds returns the duration as a floating point number of seconds, the
// unit the channel and endpoint packages do their timing arithmetic in.
func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

// ChannelType selects a channel's reliability/ordering behavior.
type ChannelType int

const (
	ReliableOrdered ChannelType = iota
	UnreliableUnordered
)

func (t ChannelType) String() string {
	switch t {
	case ReliableOrdered:
		return "reliable-ordered"
	case UnreliableUnordered:
		return "unreliable-unordered"
	default:
		return "unknown"
	}
}

// ChannelConfig is the per-channel configuration a connection is built from.
type ChannelConfig struct {
	Type                 ChannelType   `toml:"type"`
	SendQueueSize        int           `toml:"send_queue_size"`
	ReceiveQueueSize     int           `toml:"receive_queue_size"`
	MaxMessagesPerPacket int           `toml:"max_messages_per_packet"`
	MaxBlockSize         int           `toml:"max_block_size"`
	FragmentSize         int           `toml:"fragment_size"`
	MessageResendTime    Duration      `toml:"message_resend_time"`
	FragmentResendTime   Duration      `toml:"fragment_resend_time"`
	PacketBudget         int           `toml:"packet_budget"` // bytes; <=0 means unlimited
	DisableBlocks        bool          `toml:"disable_blocks"`
}

// DefaultChannelConfig returns reasonable defaults for a reliable-ordered
// channel.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Type:                 ReliableOrdered,
		SendQueueSize:        1024,
		ReceiveQueueSize:     1024,
		MaxMessagesPerPacket: 256,
		MaxBlockSize:         256 * 1024,
		FragmentSize:         1024,
		MessageResendTime:    Duration(100 * time.Millisecond),
		FragmentResendTime:   Duration(100 * time.Millisecond),
		PacketBudget:         -1,
		DisableBlocks:        false,
	}
}

// MaxFragmentsPerBlock is ceil(MaxBlockSize/FragmentSize), the bound the
// reliable channel uses to reject a received block with too many
// fragments.
func (c ChannelConfig) MaxFragmentsPerBlock() int {
	if c.FragmentSize <= 0 {
		return 0
	}
	n := c.MaxBlockSize / c.FragmentSize
	if c.MaxBlockSize%c.FragmentSize != 0 {
		n++
	}
	return n
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate checks one channel's configuration in isolation, returning every
// problem found (not just the first) via a multierror.
func (c ChannelConfig) Validate() error {
	var result *multierror.Error
	if !isPowerOfTwo(c.SendQueueSize) {
		result = multierror.Append(result, errf("send_queue_size %d must be a power of two", c.SendQueueSize))
	}
	if !isPowerOfTwo(c.ReceiveQueueSize) {
		result = multierror.Append(result, errf("receive_queue_size %d must be a power of two", c.ReceiveQueueSize))
	}
	if c.MaxMessagesPerPacket <= 0 {
		result = multierror.Append(result, errf("max_messages_per_packet must be positive"))
	}
	if !c.DisableBlocks {
		if c.FragmentSize <= 0 {
			result = multierror.Append(result, errf("fragment_size must be positive when blocks are enabled"))
		}
		if c.MaxBlockSize <= 0 {
			result = multierror.Append(result, errf("max_block_size must be positive when blocks are enabled"))
		}
		if c.FragmentSize > 0 && c.MaxBlockSize > 0 && c.MaxFragmentsPerBlock() > 256 {
			result = multierror.Append(result, errf("max_block_size/fragment_size exceeds 256 fragments"))
		}
	}
	if c.MessageResendTime <= 0 {
		result = multierror.Append(result, errf("message_resend_time must be positive"))
	}
	if c.Type == ReliableOrdered && c.FragmentResendTime <= 0 && !c.DisableBlocks {
		result = multierror.Append(result, errf("fragment_resend_time must be positive when blocks are enabled"))
	}
	return result.ErrorOrNil()
}

// ConnectionConfig is the connection-wide configuration: the ordered list of
// channels (index == channel index on the wire) plus the datagram size cap.
type ConnectionConfig struct {
	Channels      []ChannelConfig `toml:"channel"`
	MaxPacketSize int             `toml:"max_packet_size"`
}

// MaxChannels is the hard cap on configured channels: the channel index
// must fit the connection packet header's bit-packed field.
const MaxChannels = 64

// Validate checks the whole configuration, aggregating every channel's
// validation errors plus connection-level ones.
func (c ConnectionConfig) Validate() error {
	var result *multierror.Error
	if len(c.Channels) == 0 {
		result = multierror.Append(result, errf("at least one channel is required"))
	}
	if len(c.Channels) > MaxChannels {
		result = multierror.Append(result, errf("%d channels exceeds the maximum of %d", len(c.Channels), MaxChannels))
	}
	if c.MaxPacketSize <= 0 {
		result = multierror.Append(result, errf("max_packet_size must be positive"))
	}
	for i, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			result = multierror.Append(result, errf("channel %d: %v", i, err))
		}
	}
	return result.ErrorOrNil()
}

// EndpointConfig configures the reliable endpoint (component D).
type EndpointConfig struct {
	FragmentAbove        int           `toml:"fragment_above"`         // datagrams larger than this are split
	FragmentSize         int           `toml:"fragment_size"`
	MaxFragments         int           `toml:"max_fragments"`          // per datagram, <= 256
	MaxReassemblyInFlight int          `toml:"max_reassembly_in_flight"` // concurrent inbound fragmented packets
	SentPacketsBufferSize int          `toml:"sent_packets_buffer_size"`
	ReceivedPacketsBufferSize int      `toml:"received_packets_buffer_size"`
	AckRingSize           int          `toml:"ack_ring_size"`
	RTTSmoothing          float64      `toml:"-"` // not wire/config relevant, reserved for future use
}

// DefaultEndpointConfig mirrors reliable.io's defaults (max_fragments=16,
// fragment_size=1024) with 256-entry sequence buffers for sent/received
// packet tracking.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		FragmentAbove:             1024,
		FragmentSize:              1024,
		MaxFragments:              16,
		MaxReassemblyInFlight:     64,
		SentPacketsBufferSize:     256,
		ReceivedPacketsBufferSize: 256,
		AckRingSize:               256,
	}
}

func (c EndpointConfig) Validate() error {
	var result *multierror.Error
	if c.MaxFragments <= 0 || c.MaxFragments > 256 {
		result = multierror.Append(result, errf("max_fragments must be in (0,256]"))
	}
	if c.FragmentSize <= 0 {
		result = multierror.Append(result, errf("fragment_size must be positive"))
	}
	if c.MaxReassemblyInFlight <= 0 {
		result = multierror.Append(result, errf("max_reassembly_in_flight must be positive"))
	}
	if c.SentPacketsBufferSize <= 0 || c.ReceivedPacketsBufferSize <= 0 {
		result = multierror.Append(result, errf("sent/received packet buffer sizes must be positive"))
	}
	if c.AckRingSize < 256 {
		result = multierror.Append(result, errf("ack_ring_size must be at least 256"))
	}
	return result.ErrorOrNil()
}
