package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightlog/pkg/logger"
)

const testPassword = "websocket-password"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Config{Password: testPassword, SendBufferSize: 16}, nil, logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(s.HandleConnection))
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	assert.Equal(t, MessageTypeAuthRequired, readJSON(t, conn)["type"])
	return conn
}

func subscribe(t *testing.T, s *Server, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "password": testPassword, "channel": channel}))

	reply := readJSON(t, conn)
	require.Equal(t, MessageTypeAuthSuccess, reply["type"])
	assert.Equal(t, channel, reply["channel"])
	assert.NotEmpty(t, reply["clientId"])
	return conn
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected no message")
}

func TestServer_UnauthenticatedClientDroppedAfterAuthTimeout(t *testing.T) {
	s := NewServer(Config{Password: testPassword, SendBufferSize: 16, AuthTimeout: 100 * time.Millisecond}, nil, logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(s.HandleConnection))
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	dial(t, srv)
	require.Equal(t, 1, s.ClientCount())

	assert.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_AuthFailureClosesConnection(t *testing.T) {
	s, srv := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "password": "nope", "channel": "EKFS"}))
	reply := readJSON(t, conn)
	assert.Equal(t, MessageTypeAuthFailed, reply["type"])
	assert.NotEmpty(t, reply["message"])

	assert.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PingPong(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "timestamp": 1712345678901}))
	reply := readJSON(t, conn)
	assert.Equal(t, MessageTypePong, reply["type"])
	assert.Equal(t, float64(1712345678901), reply["timestamp"])
}

func TestServer_ExplicitChannelReachesOnlyThatChannel(t *testing.T) {
	s, srv := newTestServer(t)
	ekfs := subscribe(t, s, srv, "EKFS")
	ekab := subscribe(t, s, srv, "EKAB")
	anon := dial(t, srv)

	n := s.Broadcast(&Message{Type: MessageTypeFlightUpdate, Event: "takeoff", Data: map[string]any{"id": 1}}, "EKFS")
	assert.Equal(t, 1, n)

	got := readJSON(t, ekfs)
	assert.Equal(t, MessageTypeFlightUpdate, got["type"])
	assert.Equal(t, "takeoff", got["event"])
	assert.Equal(t, false, got["isNewFlight"])

	expectNothing(t, ekab)
	expectNothing(t, anon)
}

func TestServer_InfersChannelFromPayload(t *testing.T) {
	s, srv := newTestServer(t)
	ekfs := subscribe(t, s, srv, "EKFS")
	ekab := subscribe(t, s, srv, "EKAB")

	payload := struct {
		TakeoffAirfield string `json:"takeoffAirfield"`
		LandingAirfield string `json:"landingAirfield"`
	}{"EKFS", "EKAB"}

	assert.Equal(t, 1, s.Broadcast(&Message{Type: MessageTypeFlightUpdate, Event: "landing", Data: payload}, ""))
	assert.Equal(t, "landing", readJSON(t, ekab)["event"])
	expectNothing(t, ekfs)
}

func TestServer_UninferableMessageReachesEveryAuthenticatedClient(t *testing.T) {
	s, srv := newTestServer(t)
	ekfs := subscribe(t, s, srv, "EKFS")
	all := subscribe(t, s, srv, "")
	anon := dial(t, srv)

	assert.Equal(t, 2, s.Broadcast(&Message{Type: MessageTypeTest, Message: "connectivity test"}, ""))
	assert.Equal(t, "connectivity test", readJSON(t, ekfs)["message"])
	assert.Equal(t, "connectivity test", readJSON(t, all)["message"])
	expectNothing(t, anon)
}

func TestServer_BroadcastToChannelRequiresChannel(t *testing.T) {
	s, srv := newTestServer(t)
	conn := subscribe(t, s, srv, "EKFS")

	assert.Equal(t, 1, s.BroadcastToChannel("EKFS", &Message{Type: MessageTypeTest, Data: map[string]any{"airfield": "EKAB"}}))
	assert.Equal(t, MessageTypeTest, readJSON(t, conn)["type"])

	assert.Equal(t, 0, s.BroadcastToChannel("", &Message{Type: MessageTypeTest}))
	expectNothing(t, conn)
}

func TestServer_ClosedClientIsRemovedByBroadcast(t *testing.T) {
	s := NewServer(Config{Password: testPassword}, nil, logger.NewNop())

	dead := &Client{id: "dead", send: make(chan []byte, 1), server: s, authenticated: true, channel: "EKFS", closed: true}
	live := &Client{id: "live", send: make(chan []byte, 1), server: s, authenticated: true, channel: "EKFS"}
	s.add(dead)
	s.add(live)
	require.Equal(t, 2, s.ClientCount())

	assert.Equal(t, 1, s.Broadcast(&Message{Type: MessageTypeFlightUpdate}, "EKFS"))
	assert.Equal(t, 1, s.ClientCount())

	var msg Message
	require.NoError(t, json.Unmarshal(<-live.send, &msg))
	assert.Equal(t, MessageTypeFlightUpdate, msg.Type)

	_, open := <-dead.send
	assert.False(t, open)
}

func TestServer_FullClientIsRemovedWithoutBlockingOthers(t *testing.T) {
	s := NewServer(Config{Password: testPassword}, nil, logger.NewNop())

	slow := &Client{id: "slow", send: make(chan []byte), server: s, authenticated: true}
	fast := &Client{id: "fast", send: make(chan []byte, 4), server: s, authenticated: true}
	s.add(slow)
	s.add(fast)

	assert.Equal(t, 1, s.Broadcast(&Message{Type: MessageTypeTest}, ""))
	assert.Equal(t, 1, s.ClientCount())
	assert.Len(t, fast.send, 1)
}

func TestServer_DisconnectedSubscriberIsRemoved(t *testing.T) {
	s, srv := newTestServer(t)
	conn := subscribe(t, s, srv, "EKFS")
	require.Equal(t, 1, s.ClientCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		s.Broadcast(&Message{Type: MessageTypeFlightUpdate}, "EKFS")
		return s.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_CloseDisconnectsEveryone(t *testing.T) {
	s, srv := newTestServer(t)
	conn := subscribe(t, s, srv, "EKFS")

	s.Close()
	assert.Equal(t, 0, s.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestInferChannel(t *testing.T) {
	assert.Equal(t, "EKFS", InferChannel(map[string]any{"airfield": "EKFS", "location": "EKAB"}))
	assert.Equal(t, "EKAB", InferChannel(map[string]any{"location": "EKAB", "takeoffAirfield": "EKFS"}))
	assert.Equal(t, "EKFS", InferChannel(map[string]any{"airfield": "  ", "takeoffAirfield": "EKFS"}))
	assert.Equal(t, "EKAB", InferChannel(map[string]string{"landingAirfield": "EKAB"}))
	assert.Equal(t, "", InferChannel(map[string]any{"airfield": 12}))
	assert.Equal(t, "", InferChannel(nil))
	assert.Equal(t, "", InferChannel("EKFS"))
}
