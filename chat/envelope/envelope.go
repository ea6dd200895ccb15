package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrUnknownKind        = errors.New("unknown message kind")
	ErrMissingUserName    = errors.New("userName is required")
	ErrMissingID          = errors.New("id is required")
	ErrInvalidEnvelope    = errors.New("invalid envelope")
	ErrMalformedTransport = errors.New("transport envelope must carry exactly one of data or error")
)

var validate = validator.New()

// Kind classifies an envelope.
type Kind string

const (
	KindConnection Kind = "connection"
	KindMessage    Kind = "message"
	KindClose      Kind = "close"
	KindError      Kind = "error"
)

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConnection, KindMessage, KindClose, KindError:
		return true
	}
	return false
}

// State is the delivery state attached to an envelope.
type State string

const (
	StateProgress State = "progress"
	StateReceived State = "received"
	StateError    State = "error"
)

// Envelope is the unit exchanged between a client and the relay.
//
// ID is an opaque token chosen by the sender. The relay never parses it; it
// only uses it to correlate a forwarded message with its later delivery.
type Envelope struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind" validate:"required,oneof=connection message close error"`
	UserName     string    `json:"userName"`
	DispatchDate time.Time `json:"dispatchDate"`
	Message      string    `json:"message"`
	State        State     `json:"state,omitempty" validate:"omitempty,oneof=progress received error"`
}

type kindOnly struct {
	Kind Kind `json:"kind"`
}

// ParseKind extracts only the kind of a raw frame.
func ParseKind(raw []byte) (Kind, error) {
	var k kindOnly
	if err := json.Unmarshal(raw, &k); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !k.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, k.Kind)
	}
	return k.Kind, nil
}

// Decode parses and validates a full envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope invariants.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch e.Kind {
	case KindConnection:
		if strings.TrimSpace(e.UserName) == "" {
			return ErrMissingUserName
		}
	case KindMessage:
		if strings.TrimSpace(e.UserName) == "" {
			return ErrMissingUserName
		}
		if e.ID == "" {
			return ErrMissingID
		}
	}
	return nil
}

// Encode serializes an envelope for the wire.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// New builds a server-originated envelope with a fresh id.
func New(kind Kind, userName, message string) Envelope {
	return Envelope{
		ID:           uuid.NewString(),
		Kind:         kind,
		UserName:     userName,
		DispatchDate: time.Now().UTC(),
		Message:      message,
		State:        StateReceived,
	}
}
