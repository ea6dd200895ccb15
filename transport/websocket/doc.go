// Package websocket provides the WebSocket transport for the messenger relay.
//
// The websocket package implements:
//   - HTTP upgrade of relay clients
//   - One read pump and one write pump per connection
//   - Ping/pong keepalive and read/write deadlines
//   - Non-blocking sends through a buffered queue
//
// Architecture:
//
// Each upgraded connection becomes a Conn, which satisfies registry.Conn.
// The read pump hands every text frame to a Handler and reports the end of
// the connection exactly once through HandleClose. The write pump is the only
// goroutine that writes to the socket, so Send can be called from any number
// of broadcasting goroutines.
//
// Message Protocol:
//
// Frames are JSON envelopes, one per WebSocket text message:
//
//	{"id":"...","kind":"connection|message|close|error","userName":"alice",
//	 "dispatchDate":"2024-02-19T10:00:00Z","message":"hi","state":"progress"}
//
// Usage:
//
//	srv := websocket.NewServer(protocolHandler, 256, log)
//	router.HandleFunc("/socket", srv.ServeWS)
//
// Connection Lifecycle:
//
// 1. Client connects and the request is upgraded
// 2. Client announces its identity with a connection envelope
// 3. Client sends messages, receives broadcasts
// 4. Close (by either side) flushes queued frames and triggers cleanup
//
// Concurrency:
//
// Send never blocks: when a client's queue is full the frame is refused with
// ErrSendBufferFull and the caller moves on to the next client.
package websocket
