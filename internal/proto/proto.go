// Package proto defines the hub/follower sync protocol: the two closed
// message sets, the wire frame format and the codecs that encode it.
package proto

import "time"

const (
	// DefaultPort is the TCP port a hub listens on when none is configured.
	DefaultPort = 4885

	// MaxFrameSize bounds a single frame body. Larger length prefixes are
	// treated as a broken stream.
	MaxFrameSize = 1 << 20

	// frameHeaderSize is the 4-byte big-endian body length.
	frameHeaderSize = 4
)

// Type tags carried in every frame.
const (
	TypeStateSync    = "state_sync"
	TypePlayFile     = "play_file"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRelay        = "relay"
)

// Timing of the sync protocol.
const (
	// HeartbeatInterval is how often the hub's liveness monitor ticks.
	HeartbeatInterval = time.Second

	// LivenessTimeout is how long a probed follower may stay silent.
	LivenessTimeout = 50 * time.Second

	// RetryDelay is the pause between failed bind/connect attempts.
	RetryDelay = 5 * time.Second

	// WriteTimeout bounds a single frame write.
	WriteTimeout = 10 * time.Second
)
