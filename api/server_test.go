package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/messenger-relay/chat/envelope"
	"github.com/wricardo/messenger-relay/chat/fanout"
	"github.com/wricardo/messenger-relay/chat/mocktransport"
	"github.com/wricardo/messenger-relay/chat/protocol"
	"github.com/wricardo/messenger-relay/chat/registry"
	"github.com/wricardo/messenger-relay/chat/relay"
	wstransport "github.com/wricardo/messenger-relay/transport/websocket"
)

// MockDeliveryHandler implements DeliveryHandler for testing
type MockDeliveryHandler struct {
	OnExternalDeliveryFunc func(ctx context.Context, te envelope.TransportEnvelope) relay.Outcome
	received               []envelope.TransportEnvelope
}

func (m *MockDeliveryHandler) OnExternalDelivery(ctx context.Context, te envelope.TransportEnvelope) relay.Outcome {
	m.received = append(m.received, te)
	if m.OnExternalDeliveryFunc != nil {
		return m.OnExternalDeliveryFunc(ctx, te)
	}
	return relay.Outcome{Status: relay.StatusDelivered, Delivered: 1}
}

type staticDirectory []string

func (d staticDirectory) Identities() []string { return d }

type noSockets struct{}

func (noSockets) ServeWS(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "no sockets", http.StatusTeapot)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleDelivery_Delivered(t *testing.T) {
	req := require.New(t)
	deliveries := &MockDeliveryHandler{}
	s := NewServer(deliveries, staticDirectory{}, noSockets{}, nil, zerolog.Nop())

	rec := post(t, s, "/api/v1/message", `{"data":{"uid":"m-1","message":"hi","userName":"alice"}}`)

	req.Equal(http.StatusOK, rec.Code)
	var ack Acknowledgement
	req.NoError(json.NewDecoder(rec.Body).Decode(&ack))
	req.Equal("ok", ack.Status)
	req.Equal(1, ack.Delivered)
	req.Len(deliveries.received, 1)
	req.Equal("m-1", deliveries.received[0].Data.UID)
}

func TestHandleDelivery_SystemicError(t *testing.T) {
	req := require.New(t)
	deliveries := &MockDeliveryHandler{
		OnExternalDeliveryFunc: func(ctx context.Context, te envelope.TransportEnvelope) relay.Outcome {
			return relay.Outcome{Status: relay.StatusError, Reason: *te.Error, Delivered: 2}
		},
	}
	s := NewServer(deliveries, staticDirectory{}, noSockets{}, nil, zerolog.Nop())

	rec := post(t, s, "/api/v1/message", `{"error":"Message data corrupted"}`)

	req.Equal(http.StatusOK, rec.Code)
	var ack Acknowledgement
	req.NoError(json.NewDecoder(rec.Body).Decode(&ack))
	req.Equal("error", ack.Status)
	req.Equal("Message data corrupted", ack.Description)
	req.Equal(2, ack.Delivered)
}

func TestHandleDelivery_BadBody(t *testing.T) {
	deliveries := &MockDeliveryHandler{}
	s := NewServer(deliveries, staticDirectory{}, noSockets{}, nil, zerolog.Nop())

	rec := post(t, s, "/api/v1/message", `{"data":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, deliveries.received)
}

func TestHandleDelivery_MethodNotAllowed(t *testing.T) {
	s := NewServer(&MockDeliveryHandler{}, staticDirectory{}, noSockets{}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/message", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleProxy_DisabledWithoutMock(t *testing.T) {
	s := NewServer(&MockDeliveryHandler{}, staticDirectory{}, noSockets{}, nil, zerolog.Nop())
	rec := post(t, s, "/api/v1/message/proxy", `{"data":{"uid":"m-1"}}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProxy(t *testing.T) {
	tests := []struct {
		name      string
		outcome   mocktransport.Outcome
		body      string
		wantCode  int
		wantData  bool
		wantError bool
	}{
		{"wrapped success", mocktransport.OutcomeSuccess, `{"data":{"uid":"m-1","message":"hi","userName":"alice"}}`, http.StatusOK, true, false},
		{"bare success", mocktransport.OutcomeSuccess, `{"uid":"m-1","message":"hi","userName":"alice"}`, http.StatusOK, true, false},
		{"corruption", mocktransport.OutcomeCorruption, `{"data":{"uid":"m-1","message":"hi","userName":"alice"}}`, http.StatusOK, false, true},
		{"missing uid", mocktransport.OutcomeSuccess, `{"message":"hi"}`, http.StatusBadRequest, false, false},
		{"not json", mocktransport.OutcomeSuccess, `hi`, http.StatusBadRequest, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := mocktransport.New(mocktransport.Always(tt.outcome), zerolog.Nop())
			s := NewServer(&MockDeliveryHandler{}, staticDirectory{}, noSockets{}, mock, zerolog.Nop())

			rec := post(t, s, "/api/v1/message/proxy", tt.body)

			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var te envelope.TransportEnvelope
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&te))
			require.Equal(t, tt.wantData, te.Data != nil)
			require.Equal(t, tt.wantError, te.Error != nil)
			if tt.wantData {
				require.Equal(t, "m-1", te.Data.UID)
				require.Equal(t, "alice", te.Data.UserName)
			}
		})
	}
}

func TestHandleListClients(t *testing.T) {
	s := NewServer(&MockDeliveryHandler{}, staticDirectory{"alice", "bob"}, noSockets{}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/clients", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count   int      `json:"count"`
		Clients []string `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 2, resp.Count)
	require.Equal(t, []string{"alice", "bob"}, resp.Clients)
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(&MockDeliveryHandler{}, staticDirectory{}, noSockets{}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

// relayStack runs the full relay in one test server: WebSocket clients, the
// relay forwarding to the mock proxy, and the mock reporting back.
type relayStack struct {
	server   *httptest.Server
	registry *registry.Registry
}

func newRelayStack(t *testing.T, outcome mocktransport.Outcome) *relayStack {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	log := zerolog.Nop()
	reg := registry.New()
	broadcaster := fanout.NewBroadcaster(reg, log)
	rl, err := relay.New(relay.Config{TransportURL: ts.URL + "/api/v1/message/proxy"}, broadcaster, log)
	require.NoError(t, err)
	t.Cleanup(rl.Close)

	mock := mocktransport.New(mocktransport.Always(outcome), log, mocktransport.WithCallback(ts.URL+"/api/v1/message"))
	sockets := wstransport.NewServer(protocol.NewHandler(reg, broadcaster, rl, log), 16, log)
	handler = NewServer(rl, reg, sockets, mock, log)

	return &relayStack{server: ts, registry: reg}
}

func (s *relayStack) join(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/socket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	send(t, conn, envelope.Envelope{ID: "c-" + name, Kind: envelope.KindConnection, UserName: name, DispatchDate: time.Now().UTC()})
	got := read(t, conn)
	require.Equal(t, envelope.KindConnection, got.Kind)
	require.Equal(t, name, got.UserName)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env envelope.Envelope) {
	t.Helper()
	frame, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func read(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err)
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func TestRelay_MessageDeliveredToEveryoneButSender(t *testing.T) {
	req := require.New(t)
	stack := newRelayStack(t, mocktransport.OutcomeSuccess)
	alice := stack.join(t, "alice")
	bob := stack.join(t, "bob")

	joined := read(t, alice)
	req.Equal(envelope.KindConnection, joined.Kind)
	req.Equal("bob", joined.UserName)

	send(t, alice, envelope.Envelope{
		ID:           "m-1",
		Kind:         envelope.KindMessage,
		UserName:     "alice",
		DispatchDate: time.Now().UTC(),
		Message:      "hi",
		State:        envelope.StateProgress,
	})

	got := read(t, bob)
	req.Equal(envelope.KindMessage, got.Kind)
	req.Equal("alice", got.UserName)
	req.Equal("hi", got.Message)
	req.Equal("m-1", got.ID)

	expectSilence(t, alice)
}

func TestRelay_CorruptionReachesEveryone(t *testing.T) {
	stack := newRelayStack(t, mocktransport.OutcomeCorruption)
	alice := stack.join(t, "alice")
	bob := stack.join(t, "bob")
	read(t, alice) // bob joined

	send(t, alice, envelope.Envelope{
		ID:           "m-1",
		Kind:         envelope.KindMessage,
		UserName:     "alice",
		DispatchDate: time.Now().UTC(),
		Message:      "hi",
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := read(t, conn)
		require.Equal(t, envelope.KindError, got.Kind)
		require.Empty(t, got.UserName)
	}
}

func TestRelay_DuplicateIdentityRejected(t *testing.T) {
	req := require.New(t)
	stack := newRelayStack(t, mocktransport.OutcomeSuccess)
	alice := stack.join(t, "alice")

	wsURL := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/socket"
	impostor, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	req.NoError(err)
	defer impostor.Close()
	send(t, impostor, envelope.Envelope{ID: "c-2", Kind: envelope.KindConnection, UserName: "alice"})

	rejection := read(t, impostor)
	req.Equal(envelope.KindError, rejection.Kind)
	req.Equal(protocol.IdentityTakenText, rejection.Message)

	_, _, err = impostor.ReadMessage()
	var closeErr *websocket.CloseError
	req.ErrorAs(err, &closeErr)
	req.Equal(websocket.ClosePolicyViolation, closeErr.Code)

	req.Equal([]string{"alice"}, stack.registry.Identities())
	expectSilence(t, alice)
}

func TestRelay_DisconnectAnnouncesClose(t *testing.T) {
	req := require.New(t)
	stack := newRelayStack(t, mocktransport.OutcomeSuccess)
	alice := stack.join(t, "alice")
	bob := stack.join(t, "bob")
	read(t, alice) // bob joined

	bob.Close()

	got := read(t, alice)
	req.Equal(envelope.KindClose, got.Kind)
	req.Equal("bob", got.UserName)
	req.Eventually(func() bool {
		return len(stack.registry.Identities()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRelay_ClientsEndpoint(t *testing.T) {
	stack := newRelayStack(t, mocktransport.OutcomeSuccess)
	stack.join(t, "bob")
	stack.join(t, "alice")

	resp, err := http.Get(stack.server.URL + "/api/v1/clients")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Clients []string `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, []string{"alice", "bob"}, body.Clients)
}

func TestRelay_ExternalDeliveryOverHTTP(t *testing.T) {
	stack := newRelayStack(t, mocktransport.OutcomeSuccess)
	alice := stack.join(t, "alice")
	bob := stack.join(t, "bob")
	read(t, alice) // bob joined

	body, err := json.Marshal(envelope.TransportEnvelope{
		Data: &envelope.MessageData{UID: "ext-1", Message: "from outside", UserName: "carol"},
	})
	require.NoError(t, err)
	resp, err := http.Post(stack.server.URL+"/api/v1/message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := read(t, conn)
		require.Equal(t, "carol", got.UserName)
		require.Equal(t, "from outside", got.Message)
	}
}
