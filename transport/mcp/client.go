package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/messenger-relay/chat/envelope"
)

// Client is a thin MCP client that proxies to the relay's REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Messenger Relay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Messenger Relay - MCP Interface

This is a thin client that proxies all requests to the relay's REST API.

Chat clients connect over WebSocket. Their messages go out to an external
transport service, and the transport reports every delivery back to the relay,
which then broadcasts it to the other clients.

AVAILABLE TOOLS:
- list_clients: Identities currently connected
- deliver_message: Act as the transport service and deliver a message to the room
- report_transport_error: Act as the transport service and report a failure (every client sees an error)
- mock_transport: Send a message through the built-in mock transport, which may succeed or corrupt it`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_clients",
		Description: "List the identities currently connected to the relay",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListClients)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "deliver_message",
		Description: "Deliver a message as if the transport service had accepted it. Every client except the sender receives it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_name": map[string]interface{}{
					"type":        "string",
					"description": "Identity the message is attributed to",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "Message text",
				},
				"uid": map[string]interface{}{
					"type":        "string",
					"description": "Message id (optional, generated when omitted)",
				},
			},
			Required: []string{"user_name", "message"},
		},
	}, c.handleDeliverMessage)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "report_transport_error",
		Description: "Report a transport failure. Every connected client receives an error envelope.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Failure description",
				},
			},
			Required: []string{"reason"},
		},
	}, c.handleReportTransportError)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "mock_transport",
		Description: "Submit a message to the built-in mock transport and show its verdict. The mock reports the outcome back to the relay.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_name": map[string]interface{}{
					"type":        "string",
					"description": "Identity the message is attributed to",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "Message text",
				},
			},
			Required: []string{"user_name", "message"},
		},
	}, c.handleMockTransport)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Run serves the tools over stdio until the input is closed.
func (c *Client) Run() error {
	return server.ServeStdio(c.mcpServer)
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

// Tool handlers

func (c *Client) handleListClients(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count   int      `json:"count"`
		Clients []string `json:"clients"`
	}
	if err := c.apiCall(ctx, "GET", "/api/v1/clients", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if response.Count == 0 {
		return mcp.NewToolResultText("No clients connected"), nil
	}
	result := fmt.Sprintf("Connected clients (%d):\n", response.Count)
	for _, name := range response.Clients {
		result += fmt.Sprintf("- %s\n", name)
	}
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleDeliverMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	userName, _ := args["user_name"].(string)
	message, _ := args["message"].(string)
	uid, _ := args["uid"].(string)
	if userName == "" {
		return mcp.NewToolResultError("user_name is required"), nil
	}
	if uid == "" {
		uid = uuid.NewString()
	}

	now := time.Now().UTC()
	te := envelope.TransportEnvelope{Data: &envelope.MessageData{
		UID:          uid,
		Message:      message,
		UserName:     userName,
		DispatchDate: &now,
	}}
	return c.report(ctx, te)
}

func (c *Client) handleReportTransportError(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	reason, _ := args["reason"].(string)
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	return c.report(ctx, envelope.Failure(reason))
}

func (c *Client) report(ctx context.Context, te envelope.TransportEnvelope) (*mcp.CallToolResult, error) {
	var ack struct {
		Status      string `json:"status"`
		Description string `json:"description"`
		Delivered   int    `json:"delivered"`
	}
	if err := c.apiCall(ctx, "POST", "/api/v1/message", te, &ack); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Status: %s\nDescription: %s\nDelivered to: %d client(s)",
		ack.Status, ack.Description, ack.Delivered)), nil
}

func (c *Client) handleMockTransport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	userName, _ := args["user_name"].(string)
	message, _ := args["message"].(string)
	if userName == "" {
		return mcp.NewToolResultError("user_name is required"), nil
	}

	now := time.Now().UTC()
	data := envelope.MessageData{
		UID:          uuid.NewString(),
		Message:      message,
		UserName:     userName,
		DispatchDate: &now,
	}

	var verdict envelope.TransportEnvelope
	if err := c.apiCall(ctx, "POST", "/api/v1/message/proxy", envelope.TransportEnvelope{Data: &data}, &verdict); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatVerdict(data.UID, verdict)), nil
}

func formatVerdict(uid string, te envelope.TransportEnvelope) string {
	if te.Error != nil {
		return fmt.Sprintf("Message %s: transport failed (%s)", uid, *te.Error)
	}
	if te.Data == nil {
		return fmt.Sprintf("Message %s: empty verdict", uid)
	}
	return fmt.Sprintf("Message %s: accepted from %s: %q", uid, te.Data.UserName, te.Data.Message)
}
