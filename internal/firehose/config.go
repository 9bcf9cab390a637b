// Package firehose provides real-time AT Protocol event consumption from a
// relay. It filters commit frames for Shelfmark collections, decodes the CAR
// block archives they carry, and indexes the extracted records into SQLite
// through the write queue.
package firehose

import (
	"shelfmark/internal/atproto"
)

// DefaultRelayHost is the public Bluesky relay.
const DefaultRelayHost = "wss://bsky.network"

// ShelfmarkCollections lists all Shelfmark lexicon collections to index
var ShelfmarkCollections = []string{
	atproto.NSIDBookshelf,
	atproto.NSIDBook,
	atproto.NSIDComment,
}

// Config holds configuration for the firehose consumer
type Config struct {
	// RelayHost is the relay WebSocket origin, e.g. wss://bsky.network
	RelayHost string

	// Collections filters commit ops to specific collection NSIDs
	Collections []string

	// MaxReconnects is how many consecutive failed sessions are tolerated
	// before the consumer gives up and surfaces a fatal error
	MaxReconnects int

	// HeartbeatEvery is how many messages pass between monitor heartbeats
	HeartbeatEvery int

	// EnrichBooks fills in missing cover URLs for books that carry an ISBN,
	// using the metadata client
	EnrichBooks bool
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RelayHost:      DefaultRelayHost,
		Collections:    ShelfmarkCollections,
		MaxReconnects:  10,
		HeartbeatEvery: 1000,
		EnrichBooks:    false,
	}
}
