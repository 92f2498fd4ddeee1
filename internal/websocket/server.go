package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/pkg/logger"
)

// Message types
const (
	MessageTypeFlightUpdate = "flight_update"
	MessageTypeWebhook      = "webhook"
	MessageTypeTest         = "test"

	MessageTypeAuthRequired = "auth_required"
	MessageTypeAuth         = "auth"
	MessageTypeAuthSuccess  = "auth_success"
	MessageTypeAuthFailed   = "auth_failed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// channelKeys are the payload fields a channel is inferred from, in priority order
var channelKeys = []string{"airfield", "location", "landingAirfield", "takeoffAirfield"}

// Message is a broadcast payload
type Message struct {
	Type        string `json:"type"`
	Event       string `json:"event,omitempty"`
	Data        any    `json:"data,omitempty"`
	IsNewFlight bool   `json:"isNewFlight"`
	Message     string `json:"message,omitempty"`
}

// Config holds the broadcast settings
type Config struct {
	Password       string
	SendBufferSize int
	AllowedOrigins []string
	AuthTimeout    time.Duration // unauthenticated connections are closed after this
}

// Client is one subscriber connection
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu            sync.Mutex
	closed        bool
	authenticated bool
	channel       string // airfield code, empty = all channels
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// Server is the registry of live subscriber connections
type Server struct {
	clients  map[*Client]bool
	mu       sync.RWMutex
	shutdown bool

	upgrader websocket.Upgrader
	config   Config
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewServer creates a new WebSocket server
func NewServer(config Config, m *metrics.Metrics, log *logger.Logger) *Server {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = 30 * time.Second
	}
	s := &Server{
		clients: make(map[*Client]bool),
		config:  config,
		metrics: m,
		logger:  log.Named("web-socket"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleConnection upgrades the request and registers an unauthenticated client
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	down := s.shutdown
	s.mu.RUnlock()
	if down {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, s.config.SendBufferSize),
		server: s,
	}
	s.add(client)

	s.logger.Debug("Client connected",
		logger.String("client_id", client.id),
		logger.String("remote_addr", r.RemoteAddr))

	_ = conn.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))
	client.sendControl(map[string]any{"type": MessageTypeAuthRequired})

	go client.readPump()
	go client.writePump()
}

// Broadcast delivers msg to authenticated clients on channel. An empty
// channel is inferred from the payload; when that fails the message goes to
// every authenticated client. Returns the number of clients it was queued for.
func (s *Server) Broadcast(msg *Message, channel string) int {
	if channel == "" {
		channel = InferChannel(msg.Data)
	}
	if channel == "" {
		s.logger.Debug("No channel for message, broadcasting to all authenticated clients",
			logger.String("message_type", msg.Type),
			logger.String("event", msg.Event))
		return s.deliver(msg, "", true)
	}
	return s.deliver(msg, channel, false)
}

// BroadcastToChannel delivers msg to authenticated clients on channel only
func (s *Server) BroadcastToChannel(channel string, msg *Message) int {
	if channel == "" {
		s.logger.Warn("Refusing channel broadcast without a channel",
			logger.String("message_type", msg.Type))
		return 0
	}
	return s.deliver(msg, channel, false)
}

func (s *Server) deliver(msg *Message, channel string, everyone bool) int {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal message", logger.Error(err))
		return 0
	}

	delivered := 0
	clientsToRemove := make([]*Client, 0)

	s.mu.RLock()
	for client := range s.clients {
		client.mu.Lock()
		switch {
		case client.closed:
			clientsToRemove = append(clientsToRemove, client)
		case !client.authenticated:
		case !everyone && client.channel != channel:
		default:
			select {
			case client.send <- data:
				delivered++
			default:
				// Channel is full, mark for removal
				clientsToRemove = append(clientsToRemove, client)
			}
		}
		client.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(clientsToRemove) > 0 {
		for _, client := range clientsToRemove {
			s.remove(client)
		}
		s.metrics.ClientsDropped(len(clientsToRemove))
		s.logger.Debug("Removed dead clients", logger.Int("count", len(clientsToRemove)))
	}

	s.metrics.Delivered(delivered)
	s.logger.Debug("Broadcast message",
		logger.String("message_type", msg.Type),
		logger.String("channel", channel),
		logger.Int("delivered", delivered))
	return delivered
}

// ClientCount returns the number of registered connections
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new connections
func (s *Server) Close() {
	s.mu.Lock()
	s.shutdown = true
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		s.remove(client)
	}
	s.logger.Info("WebSocket server closed", logger.Int("disconnected", len(clients)))
}

func (s *Server) add(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetClients(count)
}

// remove unregisters a client and closes its send queue, which makes the
// write pump close the connection
func (s *Server) remove(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
	}
	if ok {
		close(c.send)
	}
	c.mu.Unlock()

	if ok {
		s.metrics.SetClients(count)
		s.logger.Debug("Client unregistered",
			logger.String("client_id", c.id),
			logger.Int("client_count", count))
	}
}

// InferChannel looks for an airfield-like field in a payload
func InferChannel(data any) string {
	var m map[string]any
	switch v := data.(type) {
	case nil:
		return ""
	case map[string]any:
		m = v
	case map[string]string:
		m = make(map[string]any, len(v))
		for k, val := range v {
			m[k] = val
		}
	default:
		// Convert struct to map using JSON marshaling/unmarshaling
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		if err := json.Unmarshal(b, &m); err != nil {
			return ""
		}
	}

	for _, key := range channelKeys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
