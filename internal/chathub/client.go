package chathub

import "roomchat/backend/internal/models"

// Client is the interface for any type of connection (WebSocket, test
// double). The hub is the only writer of the send channel and the only
// caller of Close.
type Client interface {
	// GetConnID returns the id assigned to this connection at upgrade time.
	GetConnID() string
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() string

	// GetSendChannel returns the bounded outbound buffer of the connection.
	GetSendChannel() chan<- models.Event

	// Run starts the client's read and write pumps.
	Run()
	// Close closes the send channel. The write pump flushes what is buffered
	// and then closes the transport. Close must be idempotent.
	Close()
}
