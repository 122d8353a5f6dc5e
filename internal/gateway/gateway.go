package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/store"
)

// ConnectionRegistry records live connections so the fan-out can scan them.
type ConnectionRegistry interface {
	Put(ctx context.Context, c store.Connection) error
	Delete(ctx context.Context, id string) error
}

// Hello is the first frame sent on every connection.
type Hello struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

type client struct {
	id     string
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.done) }) }

// Gateway accepts websocket clients and pushes notification payloads to them
// by connection id.
type Gateway struct {
	registry       ConnectionRegistry
	originPatterns []string
	writeTimeout   time.Duration
	logger         *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func New(registry ConnectionRegistry, originPatterns []string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = log.WithComponent("gateway")
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}
	}
	return &Gateway{
		registry:       registry,
		originPatterns: originPatterns,
		writeTimeout:   5 * time.Second,
		logger:         logger,
		clients:        make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and holds the connection until either side
// closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.originPatterns})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		ws:     ws,
		sendCh: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	// The upgrade request context ends with the handler; registry writes use
	// a detached context so a disconnect is still recorded.
	bg := context.WithoutCancel(r.Context())

	conn := store.Connection{
		ConnectionID:       c.id,
		EstablishedAt:      time.Now().UTC(),
		SubscriberIdentity: r.URL.Query().Get("identity"),
		Topics:             r.URL.Query()["topic"],
	}
	if err := g.registry.Put(bg, conn); err != nil {
		g.logger.Error("register connection failed", "error", err)
		ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	g.logger.Info("client connected", "connection_id", c.id, "identity", conn.SubscriberIdentity)

	defer func() {
		c.close()
		g.mu.Lock()
		delete(g.clients, c.id)
		g.mu.Unlock()
		if err := g.registry.Delete(bg, c.id); err != nil {
			g.logger.Warn("unregister connection failed", "connection_id", c.id, "error", err)
		}
		ws.Close(websocket.StatusNormalClosure, "")
		g.logger.Info("client disconnected", "connection_id", c.id)
	}()

	hctx, cancel := context.WithTimeout(r.Context(), g.writeTimeout)
	err = wsjson.Write(hctx, ws, Hello{Type: "connected", ConnectionID: c.id})
	cancel()
	if err != nil {
		return
	}

	go g.writeLoop(c)
	g.readLoop(r.Context(), c)
}

// readLoop discards inbound frames; clients only listen.
func (g *Gateway) readLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if _, _, err := c.ws.Read(ctx); err != nil {
			return
		}
	}
}

func (g *Gateway) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				g.logger.Debug("write to client failed", "connection_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// PostToConnection queues payload for one client. An unknown or closing
// connection returns notify.ErrGone.
func (g *Gateway) PostToConnection(_ context.Context, connectionID string, payload []byte) error {
	g.mu.RLock()
	c, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, notify.ErrGone)
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection %s: %w", connectionID, notify.ErrGone)
	default:
	}
	select {
	case c.sendCh <- payload:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Count reports the number of attached clients.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.clients {
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		delete(g.clients, id)
	}
}
