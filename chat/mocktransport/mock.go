// Package mocktransport stands in for the external transport service.
//
// Each accepted message either comes back intact or is reported as
// corrupted. The choice is made by a Chooser so tests can pin it and the
// demo server can seed it.
package mocktransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wricardo/messenger-relay/chat/envelope"
)

// CorruptionText is the diagnostic returned on the corruption branch.
const CorruptionText = "Message data corrupted"

// Outcome is the branch taken for one accepted message.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCorruption
)

func (o Outcome) String() string {
	if o == OutcomeCorruption {
		return "corruption"
	}
	return "success"
}

// Chooser picks the outcome of the next accepted message.
type Chooser interface {
	Next() Outcome
}

type fixed Outcome

func (f fixed) Next() Outcome { return Outcome(f) }

// Always returns a chooser that always picks o.
func Always(o Outcome) Chooser { return fixed(o) }

// RandomChooser picks corruption with a fixed probability from a seeded
// source, so a given seed always yields the same sequence.
type RandomChooser struct {
	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
}

// NewRandomChooser creates a seeded chooser.
func NewRandomChooser(seed uint64, failureRate float64) *RandomChooser {
	return &RandomChooser{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		failureRate: failureRate,
	}
}

func (c *RandomChooser) Next() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng.Float64() < c.failureRate {
		return OutcomeCorruption
	}
	return OutcomeSuccess
}

// Service is the mock transport service.
type Service struct {
	chooser     Chooser
	callbackURL string
	delay       time.Duration
	httpClient  *http.Client
	log         zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCallback makes the service report every outcome to url, the way the
// real transport service calls back into the relay.
func WithCallback(url string) Option {
	return func(s *Service) { s.callbackURL = url }
}

// WithDelay postpones callbacks by d.
func WithDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// New creates a mock service.
func New(chooser Chooser, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		chooser:    chooser,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "mocktransport").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept simulates delivery of data.
func (s *Service) Accept(data envelope.MessageData) envelope.TransportEnvelope {
	outcome := s.chooser.Next()
	s.log.Debug().Str("kind", "info").Str("uid", data.UID).Stringer("outcome", outcome).Msg("Mock transport accepted message")

	if outcome == OutcomeCorruption {
		return envelope.Failure(CorruptionText)
	}
	echo := data
	return envelope.TransportEnvelope{Data: &echo}
}

// Callback reports te to the configured callback URL in the background.
// It is a no-op without a callback URL.
func (s *Service) Callback(te envelope.TransportEnvelope) {
	if s.callbackURL == "" {
		return
	}
	go func() {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if err := s.post(context.Background(), te); err != nil {
			s.log.Error().Err(err).Str("kind", "error").Str("url", s.callbackURL).Msg("Mock transport callback failed")
		}
	}()
}

func (s *Service) post(ctx context.Context, te envelope.TransportEnvelope) error {
	body, err := json.Marshal(te)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
