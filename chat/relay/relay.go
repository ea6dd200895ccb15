package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/wricardo/messenger-relay/chat/envelope"
	"github.com/wricardo/messenger-relay/chat/fanout"
)

var (
	ErrNoTransportURL   = errors.New("transport URL is not configured")
	ErrTransportStatus  = errors.New("transport service rejected the request")
	ErrRetriesExhausted = errors.New("transport service unreachable")
)

// SystemicErrorText is the text of error envelopes broadcast when the
// transport path fails. It names no user.
const SystemicErrorText = "Message delivery failed"

// Status is the result of handling a delivery report.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusError     Status = "error"
)

// Outcome describes what a delivery report turned into.
type Outcome struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Delivered int    `json:"delivered"`
}

// Config controls the outbound leg of the relay.
type Config struct {
	TransportURL   string
	Timeout        time.Duration
	Retries        int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	CorrelationTTL time.Duration
}

// Relay forwards client messages to the transport service and turns the
// service's delivery reports into broadcasts.
type Relay struct {
	cfg         Config
	httpClient  *http.Client
	broadcaster *fanout.Broadcaster
	pendingMu   sync.Mutex
	pending     *ristretto.Cache[string, string]
	log         zerolog.Logger
}

// New creates a relay. Zero durations fall back to defaults.
func New(cfg Config, broadcaster *fanout.Broadcaster, log zerolog.Logger) (*Relay, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = 5 * time.Minute
	}

	pending, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create correlation cache: %w", err)
	}

	return &Relay{
		cfg:         cfg,
		httpClient:  &http.Client{},
		broadcaster: broadcaster,
		pending:     pending,
		log:         log.With().Str("component", "relay").Logger(),
	}, nil
}

// Close releases the correlation cache.
func (r *Relay) Close() {
	r.pending.Close()
}

// Forward sends a message envelope to the transport service. Clients learn
// the outcome only through OnExternalDelivery; a failure here is returned
// for logging and is never broadcast.
func (r *Relay) Forward(ctx context.Context, env envelope.Envelope) error {
	if r.cfg.TransportURL == "" {
		return ErrNoTransportURL
	}

	body, err := json.Marshal(envelope.ToTransport(env))
	if err != nil {
		return fmt.Errorf("encode transport envelope: %w", err)
	}

	r.remember(env.ID, env.UserName)

	b := &backoff.Backoff{
		Min:    r.cfg.BackoffMin,
		Max:    r.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	attempts := r.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retry, err := r.post(ctx, body)
		if err == nil {
			r.log.Debug().Str("kind", "message").Str("id", env.ID).Int("attempt", attempt).Msg("Forwarded to transport")
			return nil
		}
		lastErr = err
		r.log.Warn().Err(err).Str("kind", "warning").Str("id", env.ID).Int("attempt", attempt).Msg("Transport call failed")
		if !retry || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return fmt.Errorf("%w after %d attempt(s): %v", ErrRetriesExhausted, attempts, lastErr)
}

// post performs one bounded call. The boolean reports whether the failure
// is worth retrying.
func (r *Relay) post(ctx context.Context, body []byte) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.cfg.TransportURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("%w: status %d", ErrTransportStatus, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("%w: status %d", ErrTransportStatus, resp.StatusCode)
	}
	return false, nil
}

// OnExternalDelivery handles a report from the transport service.
//
// A report carrying data is re-broadcast as a message to everyone but the
// original sender. A report carrying an error, or a malformed report, is
// broadcast to everyone as an error envelope.
func (r *Relay) OnExternalDelivery(_ context.Context, te envelope.TransportEnvelope) Outcome {
	if err := te.Validate(); err != nil {
		return r.systemic(err.Error())
	}
	if te.Error != nil {
		return r.systemic(*te.Error)
	}

	env := te.Data.Envelope()
	sender := r.resolveSender(env.ID, env.UserName)
	if sender == "" {
		return r.systemic("delivery carries no sender")
	}
	env.UserName = sender

	delivered := r.broadcaster.Broadcast(env, fanout.ExceptSender(sender))
	r.log.Info().
		Str("kind", "message").
		Str("id", env.ID).
		Str("user", sender).
		Int("delivered", delivered).
		Msg("Message delivered")
	return Outcome{Status: StatusDelivered, Delivered: delivered}
}

// ambiguous marks an id forwarded by more than one sender while live.
const ambiguous = ""

// remember records who forwarded id. Ids are chosen by clients, so a live id
// claimed by a second sender no longer identifies anyone.
func (r *Relay) remember(id, sender string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	value := sender
	if prev, ok := r.pending.Get(id); ok && prev != sender {
		value = ambiguous
	}
	if r.pending.SetWithTTL(id, value, 1, r.cfg.CorrelationTTL) {
		r.pending.Wait()
	}
}

// resolveSender picks the sender of a delivered message. The report's own
// userName wins; the forward record only fills in a missing one.
func (r *Relay) resolveSender(id, reported string) string {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	recorded, ok := r.pending.Get(id)
	switch {
	case reported != "":
		if ok && recorded == reported {
			r.pending.Del(id)
		}
		return reported
	case ok:
		r.pending.Del(id)
		return recorded
	default:
		return ""
	}
}

func (r *Relay) systemic(reason string) Outcome {
	env := envelope.New(envelope.KindError, "", SystemicErrorText)
	env.State = envelope.StateError

	delivered := r.broadcaster.Broadcast(env, fanout.All())
	r.log.Error().
		Str("kind", "error").
		Str("reason", reason).
		Int("delivered", delivered).
		Msg("Transport reported a failure")
	return Outcome{Status: StatusError, Reason: reason, Delivered: delivered}
}
