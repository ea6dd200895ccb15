// Package fanout delivers one envelope to many registered clients.
package fanout

import (
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/wricardo/messenger-relay/chat/envelope"
	"github.com/wricardo/messenger-relay/chat/registry"
)

// Predicate selects which clients receive a broadcast.
type Predicate func(c registry.Client) bool

// All selects every client.
func All() Predicate {
	return func(registry.Client) bool { return true }
}

// ExceptSender selects every client but identity.
func ExceptSender(identity string) Predicate {
	return func(c registry.Client) bool { return c.Identity != identity }
}

// Broadcaster sends envelopes to a snapshot of a registry.
type Broadcaster struct {
	registry *registry.Registry
	log      zerolog.Logger
}

// NewBroadcaster creates a broadcaster over reg.
func NewBroadcaster(reg *registry.Registry, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		log:      log.With().Str("component", "fanout").Logger(),
	}
}

// Broadcast encodes env once and sends the same bytes to every selected
// client. A failed send is logged and does not stop the remaining sends.
// It returns the number of clients the frame was handed to.
func (b *Broadcaster) Broadcast(env envelope.Envelope, pred Predicate) int {
	if pred == nil {
		pred = All()
	}

	frame, err := envelope.Encode(env)
	if err != nil {
		b.log.Error().Err(err).Str("kind", "error").Msg("Failed to encode broadcast envelope")
		return 0
	}

	targets := lo.Filter(b.registry.Snapshot(), func(c registry.Client, _ int) bool {
		return pred(c)
	})

	delivered := 0
	for _, client := range targets {
		if err := client.Conn.Send(frame); err != nil {
			b.log.Warn().Err(err).
				Str("kind", "warning").
				Str("identity", client.Identity).
				Str("envelope_kind", string(env.Kind)).
				Msg("Send failed, skipping client")
			continue
		}
		delivered++
	}

	b.log.Debug().
		Str("kind", string(env.Kind)).
		Str("id", env.ID).
		Int("targets", len(targets)).
		Int("delivered", delivered).
		Msg("Broadcast complete")
	return delivered
}
