package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/testrun-bot/internal/chatprotocol"
	"github.com/hochfrequenz/testrun-bot/internal/command"
)

// ErrNoBridge is returned by Send when no bridge is connected
var ErrNoBridge = errors.New("no chat bridge connected")

// MessageHandler receives inbound chat messages
type MessageHandler func(ctx context.Context, msg command.Message)

// Config configures the gateway
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	Debug             bool
}

// Gateway manages bridge connections
type Gateway struct {
	config   Config
	registry *Registry
	handler  MessageHandler
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	mu     sync.Mutex
	live   map[*websocket.Conn]struct{}
}

// New creates a gateway delivering inbound messages to handler
func New(config Config, handler MessageHandler) *Gateway {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // Allow missing 2 heartbeats before disconnect
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		config:   config,
		registry: NewRegistry(),
		handler:  handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[*websocket.Conn]struct{}),
	}
}

// Registry returns the bridge registry
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// HandleWebSocket handles incoming WebSocket connections from bridges
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	g.mu.Lock()
	g.live[conn] = struct{}{}
	g.mu.Unlock()

	g.conns.Add(1)
	go g.handleConnection(conn)
}

func (g *Gateway) handleConnection(conn *websocket.Conn) {
	defer g.conns.Done()

	var bridge *Bridge
	defer func() {
		conn.Close()
		g.mu.Lock()
		delete(g.live, conn)
		g.mu.Unlock()
		if bridge != nil {
			g.registry.Unregister(bridge.ID, conn)
			log.Printf("[gateway] bridge %s disconnected", bridge.ID)
		}
	}()

	// Set up WebSocket-level pong handler to extend read deadline
	conn.SetReadDeadline(time.Now().Add(g.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.config.HeartbeatTimeout))
		if bridge != nil {
			bridge.Touch(time.Now())
		}
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[gateway] read error: %v", err)
			}
			return
		}

		// Extend read deadline on any message received
		conn.SetReadDeadline(time.Now().Add(g.config.HeartbeatTimeout))

		var env chatprotocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("[gateway] invalid message: %v", err)
			continue
		}
		if bridge != nil {
			bridge.Touch(time.Now())
		}

		switch env.Type {
		case chatprotocol.TypeRegister:
			var reg chatprotocol.RegisterMessage
			if err := env.Decode(&reg); err != nil || reg.BridgeID == "" {
				g.reject(conn, bridge, "register requires bridge_id")
				continue
			}
			if bridge != nil && bridge.ID != reg.BridgeID {
				g.registry.Unregister(bridge.ID, conn)
			}
			bridge = &Bridge{ID: reg.BridgeID, Platform: reg.Platform, Conn: conn}
			if old := g.registry.Register(bridge); old != nil && old.Conn != conn {
				old.Conn.Close()
			}
			log.Printf("[gateway] bridge %s registered (platform=%s)", reg.BridgeID, reg.Platform)

		case chatprotocol.TypeMessage:
			if bridge == nil {
				g.reject(conn, bridge, "register before sending messages")
				continue
			}
			var msg chatprotocol.ChatMessage
			if err := env.Decode(&msg); err != nil {
				log.Printf("[gateway] failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			g.registry.Route(msg.ChatID, bridge.ID)
			if g.config.Debug {
				log.Printf("[gateway] [%s] chat %d: %s", bridge.ID, msg.ChatID, msg.Text)
			}
			if g.handler != nil {
				g.handler(g.ctx, command.Message{ChatID: msg.ChatID, UserID: msg.UserID, Text: msg.Text})
			}

		case chatprotocol.TypePing:
			data, _ := chatprotocol.MarshalEnvelope(chatprotocol.TypePong, nil)
			g.write(conn, bridge, data)

		case chatprotocol.TypePong:
			// activity already recorded

		default:
			log.Printf("[gateway] unknown message type %q", env.Type)
		}
	}
}

func (g *Gateway) reject(conn *websocket.Conn, bridge *Bridge, reason string) {
	data, err := chatprotocol.MarshalEnvelope(chatprotocol.TypeError, chatprotocol.ErrorMessage{Message: reason})
	if err != nil {
		return
	}
	g.write(conn, bridge, data)
}

// write sends on a connection that may not be registered yet
func (g *Gateway) write(conn *websocket.Conn, bridge *Bridge, data []byte) {
	var err error
	if bridge != nil {
		err = bridge.WriteMessage(websocket.TextMessage, data, g.config.WriteTimeout)
	} else {
		// unregistered connections are only written from their read loop
		conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, data)
		conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		log.Printf("[gateway] write failed: %v", err)
	}
}

// Send delivers text to chatID through the bridge serving that chat, or
// through every bridge when the chat has not been seen yet.
func (g *Gateway) Send(_ context.Context, chatID int64, text string) error {
	targets := g.registry.Targets(chatID)
	if len(targets) == 0 {
		return ErrNoBridge
	}

	data, err := chatprotocol.MarshalEnvelope(chatprotocol.TypeSend, chatprotocol.SendMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: chatprotocol.ParseModeMarkdown,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, b := range targets {
		if err := b.WriteMessage(websocket.TextMessage, data, g.config.WriteTimeout); err != nil {
			errs = append(errs, fmt.Errorf("bridge %s: %w", b.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Start sends heartbeats until ctx is cancelled
func (g *Gateway) Start(ctx context.Context) {
	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.sendHeartbeats()
		}
	}
}

func (g *Gateway) sendHeartbeats() {
	for _, b := range g.registry.All() {
		// Send WebSocket protocol-level ping (not application-level)
		if err := b.WriteMessage(websocket.PingMessage, nil, g.config.WriteTimeout); err != nil {
			log.Printf("[gateway] ping to %s failed: %v", b.ID, err)
			// Connection is broken, close it (the read loop will handle cleanup)
			b.Conn.Close()
		}
	}
}

// Close disconnects every bridge and waits for their read loops to exit
func (g *Gateway) Close() {
	g.cancel()
	for _, b := range g.registry.All() {
		b.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), g.config.WriteTimeout)
	}

	g.mu.Lock()
	for conn := range g.live {
		conn.Close()
	}
	g.mu.Unlock()
	g.conns.Wait()
}
