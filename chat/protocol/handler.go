package protocol

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/wricardo/messenger-relay/chat/envelope"
	"github.com/wricardo/messenger-relay/chat/fanout"
	"github.com/wricardo/messenger-relay/chat/registry"
)

// IdentityTakenText is sent to a client whose announced identity is in use.
const IdentityTakenText = "identity already taken"

// Forwarder hands a client message to the transport service.
type Forwarder interface {
	Forward(ctx context.Context, env envelope.Envelope) error
}

// Handler drives one relay: it classifies inbound frames and keeps the
// registry in step with connection lifecycles.
type Handler struct {
	registry    *registry.Registry
	broadcaster *fanout.Broadcaster
	forwarder   Forwarder
	log         zerolog.Logger
}

// NewHandler wires a handler.
func NewHandler(reg *registry.Registry, broadcaster *fanout.Broadcaster, forwarder Forwarder, log zerolog.Logger) *Handler {
	return &Handler{
		registry:    reg,
		broadcaster: broadcaster,
		forwarder:   forwarder,
		log:         log.With().Str("component", "protocol").Logger(),
	}
}

// HandleInbound processes one text frame received on conn. It never fails
// the connection; bad frames are logged and dropped.
func (h *Handler) HandleInbound(ctx context.Context, conn registry.Conn, raw []byte) {
	kind, err := envelope.ParseKind(raw)
	if err != nil {
		h.log.Error().Err(err).Str("kind", "error").Msg("Failed to decode frame kind")
		return
	}

	switch kind {
	case envelope.KindConnection:
		h.handleConnection(conn, raw)
	case envelope.KindMessage:
		h.handleMessage(ctx, conn, raw)
	case envelope.KindClose:
		// Cleanup happens when the connection terminates.
	case envelope.KindError:
		h.log.Debug().Str("kind", "info").Msg("Ignoring client-sent error envelope")
	}
}

func (h *Handler) handleConnection(conn registry.Conn, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		h.log.Error().Err(err).Str("kind", "error").Msg("Invalid connection envelope")
		return
	}

	if err := h.registry.Register(env.UserName, conn); err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyTaken):
			h.reject(conn, env.UserName)
		case errors.Is(err, registry.ErrConnRegistered):
			if held, _ := h.registry.IdentityOf(conn); held == env.UserName {
				h.log.Debug().Str("kind", "connection").Str("user", held).Msg("Client re-announced its identity")
				return
			}
			h.log.Warn().Str("kind", "warning").Str("user", env.UserName).Msg("Connection already announced an identity")
		default:
			h.log.Error().Err(err).Str("kind", "error").Str("user", env.UserName).Msg("Failed to register client")
		}
		return
	}

	h.log.Info().Str("kind", "connection").Str("user", env.UserName).Int("online", h.registry.Len()).Msg("Client joined")
	h.broadcaster.Broadcast(envelope.New(envelope.KindConnection, env.UserName, ""), fanout.All())
}

// reject tells the requester why it was refused and closes its connection.
// The session already holding the identity is left alone.
func (h *Handler) reject(conn registry.Conn, identity string) {
	h.log.Warn().Str("kind", "warning").Str("user", identity).Msg("Rejected duplicate identity")

	env := envelope.New(envelope.KindError, identity, IdentityTakenText)
	env.State = envelope.StateError
	if frame, err := envelope.Encode(env); err == nil {
		if err := conn.Send(frame); err != nil {
			h.log.Debug().Err(err).Msg("Failed to send rejection")
		}
	}
	if err := conn.Close(IdentityTakenText); err != nil {
		h.log.Debug().Err(err).Msg("Failed to close rejected connection")
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn registry.Conn, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		h.log.Error().Err(err).Str("kind", "error").Msg("Invalid message envelope")
		return
	}

	identity, err := h.registry.IdentityOf(conn)
	if err != nil {
		h.log.Warn().Str("kind", "warning").Str("user", env.UserName).Msg("Message from unregistered connection dropped")
		return
	}
	if identity != env.UserName {
		h.log.Warn().Str("kind", "warning").Str("user", identity).Str("claimed", env.UserName).Msg("Message with foreign userName dropped")
		return
	}

	h.log.Info().Str("kind", "message").Str("user", identity).Str("id", env.ID).Msg("Forwarding message")

	// The message outlives its sender's connection.
	fwdCtx := context.WithoutCancel(ctx)
	go func() {
		if err := h.forwarder.Forward(fwdCtx, env); err != nil {
			h.log.Error().Err(err).Str("kind", "error").Str("id", env.ID).Msg("Relay forward failed")
		}
	}()
}

// HandleClose must be called once the connection has terminated. It is safe
// to call more than once for the same connection.
func (h *Handler) HandleClose(conn registry.Conn) {
	identity, err := h.registry.Unregister(conn)
	if err != nil {
		h.log.Debug().Str("kind", "close").Msg("Closed connection had no registered identity")
		return
	}

	h.log.Info().Str("kind", "close").Str("user", identity).Int("online", h.registry.Len()).Msg("Client left")
	h.broadcaster.Broadcast(envelope.New(envelope.KindClose, identity, ""), fanout.All())
}
