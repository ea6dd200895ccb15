// Package mcp provides a Model Context Protocol front end for operating the
// messenger relay.
//
// The mcp package implements:
//   - MCP server for AI agent and operator integration
//   - Tools that stand in for the transport service
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//   - list_clients: Identities currently connected
//   - deliver_message: Report a successful delivery to the relay
//   - report_transport_error: Report a transport failure to the relay
//   - mock_transport: Submit a message to the built-in mock transport
//
// Every tool is a thin proxy over the relay's REST API, so the MCP client can
// run in its own process against a remote relay.
//
// Usage:
//
//	// Stdio mode
//	client := mcp.NewClient("http://localhost:8080")
//	client.Run()
//
//	// HTTP mode
//	httpServer := server.NewStreamableHTTPServer(client.GetMCPServer())
//	router.Handle("/mcp", httpServer)
package mcp
