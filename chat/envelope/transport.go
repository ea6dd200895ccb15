package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageData is the payload handed to the external transport service.
type MessageData struct {
	UID          string     `json:"uid" validate:"required"`
	Message      string     `json:"message"`
	UserName     string     `json:"userName"`
	DispatchDate *time.Time `json:"dispatchDate,omitempty"`
}

// TransportEnvelope is the request/response body exchanged with the
// transport service. A well-formed value carries exactly one of Data or Error.
type TransportEnvelope struct {
	Data  *MessageData `json:"data,omitempty"`
	Error *string      `json:"error,omitempty"`
}

// Validate enforces the exactly-one-of rule.
func (t TransportEnvelope) Validate() error {
	if (t.Data == nil) == (t.Error == nil) {
		return ErrMalformedTransport
	}
	if t.Data != nil {
		if err := validate.Struct(t.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedTransport, err)
		}
	}
	return nil
}

// ToTransport wraps a message envelope for the transport service.
func ToTransport(e Envelope) TransportEnvelope {
	data := &MessageData{
		UID:      e.ID,
		Message:  e.Message,
		UserName: e.UserName,
	}
	if !e.DispatchDate.IsZero() {
		d := e.DispatchDate
		data.DispatchDate = &d
	}
	return TransportEnvelope{Data: data}
}

// Failure builds an error-only transport envelope.
func Failure(reason string) TransportEnvelope {
	return TransportEnvelope{Error: &reason}
}

// Envelope converts delivered data back into a message envelope. A missing
// dispatch date is stamped with the delivery time.
func (d MessageData) Envelope() Envelope {
	env := Envelope{
		ID:       d.UID,
		Kind:     KindMessage,
		UserName: d.UserName,
		Message:  d.Message,
		State:    StateReceived,
	}
	if d.DispatchDate != nil {
		env.DispatchDate = *d.DispatchDate
	} else {
		env.DispatchDate = time.Now().UTC()
	}
	return env
}

// DecodeTransport parses a transport envelope without validating it; the
// caller decides how to treat malformed shapes.
func DecodeTransport(raw []byte) (TransportEnvelope, error) {
	var t TransportEnvelope
	if err := json.Unmarshal(raw, &t); err != nil {
		return TransportEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return t, nil
}
