// Command messenger-relay starts the real-time message relay.
//
// It supports two modes:
//  1. "server" (default) – runs the HTTP server exposing the WebSocket endpoint, the
//     transport delivery API, the mock transport and an /mcp HTTP endpoint
//  2. "stdio-mcp" – runs an MCP stdio server and spins up an internal relay if none is available
//
// Settings come from .env, the environment and flags; see config.Config.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/messenger-relay/api"
	"github.com/wricardo/messenger-relay/chat/config"
	"github.com/wricardo/messenger-relay/chat/fanout"
	"github.com/wricardo/messenger-relay/chat/mocktransport"
	"github.com/wricardo/messenger-relay/chat/protocol"
	"github.com/wricardo/messenger-relay/chat/registry"
	"github.com/wricardo/messenger-relay/chat/relay"
	"github.com/wricardo/messenger-relay/transport/mcp"
	"github.com/wricardo/messenger-relay/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Messenger Relay"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [OPTIONS] [MODE]\n\n", os.Args[0])
	fmt.Fprintf(w, "%s v%s\n\n", AppName, Version)
	fmt.Fprintf(w, "Available modes:\n")
	fmt.Fprintf(w, "  server, http     Run the relay with WebSocket, delivery API and MCP endpoint (default)\n")
	fmt.Fprintf(w, "  stdio-mcp        Run MCP stdio server with an internal relay\n")
	fmt.Fprintf(w, "  mcp-stdio        Alias for stdio-mcp\n")
	fmt.Fprintf(w, "  mcp              Alias for stdio-mcp\n")
	fmt.Fprintf(w, "\nOptions:\n")
	config.PrintDefaults(w)
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  %s                                   # Relay on port 8080 with the mock transport\n", os.Args[0])
	fmt.Fprintf(w, "  %s -mock-failure-rate 0 -port 9090   # Mock never corrupts\n", os.Args[0])
	fmt.Fprintf(w, "  %s -transport-url https://t.example  # Forward to a real transport service\n", os.Args[0])
	fmt.Fprintf(w, "  %s stdio-mcp                         # Run MCP stdio server\n", os.Args[0])
}

// main loads configuration, wires the relay, and starts the selected mode.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		usage(os.Stderr)
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		usage(os.Stderr)
		os.Exit(2)
	}

	if cfg.Version {
		fmt.Printf("%s v%s\n", AppName, Version)
		os.Exit(0)
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	logger.Info().Str("mode", cfg.Mode).Str("version", Version).Msgf("Starting %s", AppName)

	switch cfg.Mode {
	case "stdio-mcp", "mcp-stdio", "mcp":
		runStdioMCPWithInternalServer(cfg, logger)

	case "server", "http":
		runHTTPServer(cfg, logger)

	default:
		logger.Fatal().Msgf("Unknown mode: %s. Use 'server' (default) or 'stdio-mcp'", cfg.Mode)
	}
}

// relayApp is one fully wired relay: registry, fan-out, transport client,
// protocol handler, sockets, optional mock and the HTTP surface.
type relayApp struct {
	registry *registry.Registry
	relay    *relay.Relay
	handler  http.Handler
}

// initializeServices wires every relay component from cfg.
func initializeServices(cfg *config.Config, logger zerolog.Logger) (*relayApp, error) {
	reg := registry.New()
	broadcaster := fanout.NewBroadcaster(reg, logger)

	rl, err := relay.New(relay.Config{
		TransportURL:   cfg.ResolvedTransportURL(),
		Timeout:        cfg.TransportTimeout,
		Retries:        cfg.TransportRetries,
		CorrelationTTL: cfg.CorrelationTTL,
	}, broadcaster, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	sockets := websocket.NewServer(protocol.NewHandler(reg, broadcaster, rl, logger), cfg.SendBuffer, logger)

	var mock *mocktransport.Service
	if cfg.MockEnabled {
		mock = mocktransport.New(
			mocktransport.NewRandomChooser(cfg.MockSeed, cfg.MockFailureRate),
			logger,
			mocktransport.WithCallback(cfg.ResolvedCallbackURL()),
			mocktransport.WithDelay(cfg.MockDelay),
		)
	}

	return &relayApp{
		registry: reg,
		relay:    rl,
		handler:  api.NewServer(rl, reg, sockets, mock, logger),
	}, nil
}

// mcpHandler serves single JSON-RPC MCP requests over HTTP POST.
func mcpHandler(mcpClient *mcp.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	}
}

// runHTTPServer starts the relay and an /mcp proxy endpoint.
// If ngrok is enabled, it also provisions a public tunnel.
func runHTTPServer(cfg *config.Config, logger zerolog.Logger) {
	app, err := initializeServices(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer app.relay.Close()

	addr := cfg.Addr()
	mcpClient := mcp.NewClient(cfg.BaseURL())

	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", app.handler)
	mainRouter.HandleFunc("/mcp", mcpHandler(mcpClient))

	// No write timeout: WebSocket connections are long-lived and the write
	// pump sets its own deadlines.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mainRouter,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Info().Msgf("HTTP server listening on %s", addr)
		logger.Info().Msgf("WebSocket: ws://%s/socket", addr)
		logger.Info().Msgf("Delivery API: http://%s/api/v1/message", addr)
		logger.Info().Msgf("Transport: %s", cfg.ResolvedTransportURL())
		logger.Info().Msgf("MCP endpoint: http://%s/mcp", addr)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	if cfg.NgrokEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrokTunnel(ctx, cfg, mainRouter, logger)
		}()
	}

	sig := <-stop
	logger.Info().Msgf("Received signal: %v. Shutting down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	wg.Wait()
	logger.Info().Msg("Server stopped")
}

// runNgrokTunnel exposes handler through an ngrok endpoint until ctx ends.
func runNgrokTunnel(ctx context.Context, cfg *config.Config, handler http.Handler, logger zerolog.Logger) {
	if cfg.NgrokAuth == "" {
		logger.Warn().Str("kind", "warning").Msg("Ngrok enabled but no auth token provided (use -ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return
	}

	logger.Info().Msg("Starting ngrok tunnel...")

	var tunnel ngrokConfig.Tunnel
	if cfg.NgrokDomain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.NgrokDomain))
		logger.Info().Msgf("Using custom ngrok domain: %s", cfg.NgrokDomain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx,
		tunnel,
		ngrok.WithAuthtoken(cfg.NgrokAuth),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start ngrok tunnel")
		return
	}
	defer func() {
		if err := tun.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close ngrok tunnel")
		}
	}()

	ngrokURL := tun.URL()
	logger.Info().Msgf("Ngrok tunnel established: %s", ngrokURL)
	logger.Info().Msgf("  WebSocket (ngrok): %s/socket", ngrokURL)
	logger.Info().Msgf("  Delivery API (ngrok): %s/api/v1/message", ngrokURL)
	logger.Info().Msgf("  MCP endpoint (ngrok): %s/mcp", ngrokURL)

	if err := http.Serve(tun, handler); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Ngrok server error")
	}
	logger.Info().Msg("Ngrok tunnel closed")
}

// runStdioMCPWithInternalServer runs an MCP stdio server.
// It tries to reuse a relay at the configured address; if unavailable, it
// starts an internal relay bound to a random loopback port and targets that.
func runStdioMCPWithInternalServer(cfg *config.Config, logger zerolog.Logger) {
	externalURL := cfg.BaseURL()
	baseURL := externalURL
	logger.Info().Msgf("Checking for external relay at %s...", externalURL)

	testClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := testClient.Get(externalURL + "/health")
	if err == nil && resp.StatusCode < 500 {
		resp.Body.Close()
		logger.Info().Msgf("External relay found at %s, using it for MCP", externalURL)
	} else {
		logger.Info().Msg("No external relay found, starting internal HTTP server")

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to get available port")
		}

		// The internal relay forwards to its own mock, so it must know the
		// port it actually got.
		cfg.Host = "127.0.0.1"
		cfg.Port = listener.Addr().(*net.TCPAddr).Port
		if cfg.TransportURL == "" && !cfg.MockEnabled {
			logger.Warn().Str("kind", "warning").Msg("Mock transport disabled and no transport URL set; messages will not be delivered")
		}

		app, err := initializeServices(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize services")
		}
		defer app.relay.Close()

		logger.Info().Msgf("Starting internal HTTP server on %s for MCP stdio", cfg.Addr())
		httpServer := &http.Server{Handler: app.handler}
		go func() {
			if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Internal HTTP server error")
			}
		}()

		baseURL = cfg.BaseURL()
	}

	mcpClient := mcp.NewClient(baseURL)
	logger.Info().Str("relay", baseURL).Msg("MCP stdio server ready")

	if err := mcpClient.Run(); err != nil {
		logger.Fatal().Err(err).Msg("MCP stdio server error")
	}
}
