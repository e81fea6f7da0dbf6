package config

import "time"

const (
	// Messages
	DefaultMaxBodyLength = 10000 // runes, after normalization
	DefaultMaxFrameBytes = 64 << 10

	// Write lane
	DefaultWriteQueueSize = 256
	DefaultSubmitTimeout  = 250 * time.Millisecond
	DefaultCommitLaneSize = 1024

	// Connections
	DefaultOutboundBuffer        = 256
	DefaultHeartbeatTimeout      = 90 * time.Second
	DefaultPresenceSweepInterval = 60 * time.Second

	// Live events held per room while a resumed subscription replays history.
	DefaultMaxPendingEvents = 1024

	// Typing
	DefaultTypingTTL           = 10 * time.Second
	DefaultTypingSweepInterval = time.Second

	// Reads
	DefaultReaderPoolSize     = 16
	DefaultMaxCatchupMessages = 500
	DefaultHistoryPageSize    = 50
	MaxHistoryPageSize        = 200

	// Rooms
	DefaultMembershipCacheTTL = 30 * time.Second

	DefaultRelayChannel = "roomchat:events"
	DefaultJWTIssuer    = "roomchat"
)
