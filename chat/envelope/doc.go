// Package envelope defines the wire messages of the messenger relay.
//
// Two shapes cross the relay's boundaries:
//   - Envelope: exchanged with WebSocket clients
//     {id, kind, userName, dispatchDate, message, state?}
//   - TransportEnvelope: exchanged with the external transport service
//     {data?: {uid, message, userName, dispatchDate?}, error?}
//
// Inbound frames are classified in two steps. ParseKind reads only the
// "kind" field so that unknown kinds are rejected before the rest of the
// frame is looked at; Decode then parses and validates the full envelope.
//
// Dispatch dates are encoded as RFC 3339 with nanoseconds, so a decoded
// envelope orders exactly like the one that was encoded.
package envelope
