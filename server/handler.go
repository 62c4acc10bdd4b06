package server

import "github.com/andrei-cloud/duplex"

// Handler receives server events.
//
// OnClientConnect and OnClientValidated run on the reactor goroutine and must
// not block. OnClientDisconnect runs on the goroutine that attempted the send
// which found the connection closed. OnMessage runs on the goroutine calling
// Update.
type Handler[T duplex.Tag] interface {
	// OnClientConnect decides whether a freshly accepted connection is kept.
	OnClientConnect(conn *duplex.Connection[T]) bool
	// OnClientValidated fires once the connection passed the handshake.
	OnClientValidated(conn *duplex.Connection[T])
	// OnClientDisconnect fires once per connection found closed.
	OnClientDisconnect(conn *duplex.Connection[T])
	// OnMessage handles one inbound message.
	OnMessage(conn *duplex.Connection[T], msg duplex.Message[T])
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops; a nil
// Connect admits every connection.
type HandlerFuncs[T duplex.Tag] struct {
	Connect    func(conn *duplex.Connection[T]) bool
	Validated  func(conn *duplex.Connection[T])
	Disconnect func(conn *duplex.Connection[T])
	Message    func(conn *duplex.Connection[T], msg duplex.Message[T])
}

func (h *HandlerFuncs[T]) OnClientConnect(c *duplex.Connection[T]) bool {
	if h.Connect == nil {
		return true
	}
	return h.Connect(c)
}

func (h *HandlerFuncs[T]) OnClientValidated(c *duplex.Connection[T]) {
	if h.Validated != nil {
		h.Validated(c)
	}
}

func (h *HandlerFuncs[T]) OnClientDisconnect(c *duplex.Connection[T]) {
	if h.Disconnect != nil {
		h.Disconnect(c)
	}
}

func (h *HandlerFuncs[T]) OnMessage(c *duplex.Connection[T], msg duplex.Message[T]) {
	if h.Message != nil {
		h.Message(c, msg)
	}
}
