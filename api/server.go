package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/wricardo/messenger-relay/chat/envelope"
	"github.com/wricardo/messenger-relay/chat/mocktransport"
	"github.com/wricardo/messenger-relay/chat/relay"
)

const maxBodyBytes = 1 << 20

// DeliveryHandler consumes delivery reports from the transport service.
type DeliveryHandler interface {
	OnExternalDelivery(ctx context.Context, te envelope.TransportEnvelope) relay.Outcome
}

// Directory lists online identities.
type Directory interface {
	Identities() []string
}

// SocketServer upgrades relay clients.
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server represents the relay's HTTP surface
type Server struct {
	deliveries DeliveryHandler
	directory  Directory
	sockets    SocketServer
	mock       *mocktransport.Service
	router     *mux.Router
	log        zerolog.Logger
}

// NewServer creates the HTTP server. mock may be nil, in which case the
// proxy endpoint is not routed.
func NewServer(deliveries DeliveryHandler, directory Directory, sockets SocketServer, mock *mocktransport.Service, log zerolog.Logger) *Server {
	s := &Server{
		deliveries: deliveries,
		directory:  directory,
		sockets:    sockets,
		mock:       mock,
		router:     mux.NewRouter(),
		log:        log.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/message", s.handleDelivery).Methods("POST")
	if s.mock != nil {
		api.HandleFunc("/message/proxy", s.handleProxy).Methods("POST")
	}
	api.HandleFunc("/clients", s.handleListClients).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/socket", s.sockets.ServeWS)
	s.router.HandleFunc("/ws", s.sockets.ServeWS)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Acknowledgement answers the transport service's delivery report.
type Acknowledgement struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	Delivered   int    `json:"delivered"`
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	te, err := envelope.DecodeTransport(body)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", "warning").Msg("Undecodable delivery report")
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome := s.deliveries.OnExternalDelivery(r.Context(), te)

	ack := Acknowledgement{Status: "ok", Description: "Message delivered", Delivered: outcome.Delivered}
	if outcome.Status == relay.StatusError {
		ack.Status = "error"
		ack.Description = outcome.Reason
	}
	respondJSON(w, http.StatusOK, ack)
}

// handleProxy is the mock transport service exposed over HTTP. It accepts
// either a transport envelope carrying data or bare message data.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	var data envelope.MessageData
	te, err := envelope.DecodeTransport(body)
	switch {
	case err != nil:
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	case te.Data != nil:
		data = *te.Data
	default:
		if err := json.Unmarshal(body, &data); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if data.UID == "" {
		respondError(w, http.StatusBadRequest, "uid is required")
		return
	}

	result := s.mock.Accept(data)
	s.mock.Callback(result)
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	identities := s.directory.Identities()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(identities),
		"clients": identities,
	})
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
