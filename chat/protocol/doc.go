// Package protocol implements the relay's message-kind state machine.
//
// Every inbound frame is first classified by its "kind":
//   - connection: register the announced identity, then announce the
//     newcomer to every client (including itself). A taken identity is
//     answered with an error envelope and the connection is closed.
//   - message: hand the envelope to the transport relay. Nothing is
//     broadcast until the transport service reports back.
//   - close, error: accepted and ignored.
//
// HandleClose runs when a connection terminates and announces the departure
// of its identity to the clients that remain.
package protocol
