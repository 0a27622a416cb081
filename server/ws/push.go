package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// InboundFunc handles text a human typed into an agent's push channel.
type InboundFunc func(ctx context.Context, agent, text string) error

type pushConn struct {
	id  string
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *pushConn) write(text string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// PushHub tracks websocket observers per agent. Any number of connections
// may watch the same agent; an agent with none is simply unobserved.
type PushHub struct {
	mu       sync.RWMutex
	conns    map[string]map[string]*pushConn
	upgrader websocket.Upgrader
	inbound  InboundFunc
	logger   *slog.Logger
}

// NewPushHub creates a PushHub. inbound may be nil, in which case text sent
// by observers is ignored.
func NewPushHub(inbound InboundFunc, logger *slog.Logger) *PushHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHub{
		conns: make(map[string]map[string]*pushConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		inbound: inbound,
		logger:  logger,
	}
}

// Notify sends text to every observer of agent. It is a no-op when nobody
// is connected. Connections that fail are dropped.
func (h *PushHub) Notify(_ context.Context, agent, text string) error {
	h.mu.RLock()
	targets := make([]*pushConn, 0, len(h.conns[agent]))
	for _, c := range h.conns[agent] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(text); err != nil {
			h.logger.Debug("push failed, dropping connection",
				slog.String("agent", agent), slog.String("conn", c.id), slog.Any("err", err))
			h.remove(agent, c)
		}
	}
	return nil
}

// Connected reports whether anybody is watching agent.
func (h *PushHub) Connected(agent string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[agent]) > 0
}

func (h *PushHub) add(agent string, c *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[agent] == nil {
		h.conns[agent] = make(map[string]*pushConn)
	}
	h.conns[agent][c.id] = c
}

func (h *PushHub) remove(agent string, c *pushConn) {
	h.mu.Lock()
	if set := h.conns[agent]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.conns, agent)
		}
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

// ServeWS upgrades the request and keeps the connection registered for
// agent until the client disconnects.
func (h *PushHub) ServeWS(w http.ResponseWriter, r *http.Request, agent string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", slog.Any("err", err))
		return
	}
	c := &pushConn{id: uuid.NewString(), ws: conn}
	h.add(agent, c)
	h.logger.Info("observer connected", slog.String("agent", agent), slog.String("conn", c.id))
	defer func() {
		h.remove(agent, c)
		h.logger.Info("observer disconnected", slog.String("agent", agent), slog.String("conn", c.id))
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage || h.inbound == nil {
			continue
		}
		if err := h.inbound(r.Context(), agent, string(data)); err != nil {
			if werr := c.write("error: " + err.Error()); werr != nil {
				return
			}
		}
	}
}
