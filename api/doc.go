// Package api provides the HTTP surface of the messenger relay.
//
// Endpoints:
//
// Client connections:
//   - GET /socket - WebSocket upgrade (alias: /ws)
//
// Transport service boundary:
//   - POST /api/v1/message - delivery report from the transport service
//   - POST /api/v1/message/proxy - built-in mock transport service
//
// Operations:
//   - GET /api/v1/clients - identities currently online
//   - GET /health - liveness
//
// Delivery reports are transport envelopes carrying exactly one of data or
// error:
//
//	{"data": {"uid": "m-1", "message": "hi", "userName": "alice"}}
//	{"error": "Message data corrupted"}
//
// A report is always acknowledged with 200 once it has been decoded, even
// when it is turned into an error broadcast:
//
//	{"status": "ok|error", "description": "...", "delivered": 2}
//
// Error Handling:
//
// Requests that cannot be decoded are answered with a JSON error and the
// matching HTTP status code:
//
//	{
//	  "error": "error message"
//	}
package api
