package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[connection]
max_packet_size = 2048

[[connection.channel]]
type = 0
send_queue_size = 256
receive_queue_size = 256
max_messages_per_packet = 32
max_block_size = 65536
fragment_size = 1024
message_resend_time = "100ms"
fragment_resend_time = "100ms"
packet_budget = -1
disable_blocks = false

[endpoint]
fragment_above = 1024
fragment_size = 1024
max_fragments = 256
max_reassembly_in_flight = 64
sent_packets_buffer_size = 256
received_packets_buffer_size = 256
ack_ring_size = 256
`

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conn.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Connection.Channels, 1)
	require.Equal(t, 2048, f.Connection.MaxPacketSize)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\nmax_packet_size = 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
