package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wricardo/messenger-relay/chat/config"
	"github.com/wricardo/messenger-relay/transport/mcp"
)

func TestConstants(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if AppName != "Messenger Relay" {
		t.Errorf("Expected app name Messenger Relay, got %s", AppName)
	}
}

func TestUsage(t *testing.T) {
	var buf bytes.Buffer
	usage(&buf)

	for _, want := range []string{"stdio-mcp", "-transport-url", AppName} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Expected %q in usage output", want)
		}
	}
}

func TestInitializeServices(t *testing.T) {
	cfg, err := config.Parse([]string{"-mock-seed", "1"}, map[string]string{})
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	app, err := initializeServices(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to initialize services: %v", err)
	}
	defer app.relay.Close()

	server := httptest.NewServer(app.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", resp.StatusCode)
	}

	resp, err = http.Post(server.URL+"/api/v1/message/proxy", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected mock proxy to reject a report without uid, got %d", resp.StatusCode)
	}
}

func TestInitializeServices_MockDisabled(t *testing.T) {
	cfg, err := config.Parse([]string{"-mock=false"}, map[string]string{})
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	app, err := initializeServices(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to initialize services: %v", err)
	}
	defer app.relay.Close()

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/message/proxy", strings.NewReader(`{"uid":"m-1"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected proxy endpoint to be absent, got %d", rec.Code)
	}
}

func TestMCPHandler(t *testing.T) {
	handler := mcpHandler(mcp.NewClient("http://127.0.0.1:0"))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Messenger Relay") {
		t.Errorf("Expected server name in initialize response, got: %s", rec.Body.String())
	}
}
