package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendQueue  = 4
)

// statusClient 一个状态推送连接
type statusClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *statusClient) close() {
	c.once.Do(func() { close(c.send) })
}

// statusHub 周期性把状态快照推送给所有 websocket 客户端
type statusHub struct {
	snapshot func() Snapshot
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	clients map[string]*statusClient
}

func newStatusHub(snapshot func() Snapshot, logger *logrus.Entry) *statusHub {
	return &statusHub{
		snapshot: snapshot,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许跨域
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*statusClient),
	}
}

// run pushes a snapshot every interval until ctx is cancelled
func (h *statusHub) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.count() == 0 {
				continue
			}
			h.broadcast()
		}
	}
}

func (h *statusHub) broadcast() {
	data, err := h.encode()
	if err != nil {
		h.logger.Errorf("Failed to encode status snapshot: %v", err)
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			// 慢客户端跳过本轮
			h.logger.Debugf("Status client %s is slow, snapshot skipped", c.id)
		}
	}
}

func (h *statusHub) encode() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "status",
		"data": h.snapshot(),
	})
}

func (h *statusHub) count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// closeAll 关闭所有连接
func (h *statusHub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

func (h *statusHub) unregister(c *statusClient) {
	h.mutex.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mutex.Unlock()
	h.logger.Debugf("Status client %s disconnected", c.id)
}

// ServeHTTP upgrades the request and streams snapshots to the client
func (h *statusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &statusClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendQueue),
	}

	// 连接建立后立即推送一次
	if data, err := h.encode(); err == nil {
		c.send <- data
	}

	h.mutex.Lock()
	h.clients[c.id] = c
	h.mutex.Unlock()
	h.logger.Debugf("Status client %s connected from %s", c.id, r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// readPump 只处理控制帧，客户端关闭时注销
func (h *statusHub) readPump(c *statusClient) {
	defer h.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugf("WebSocket error for status client %s: %v", c.id, err)
			}
			return
		}
	}
}

func (h *statusHub) writePump(c *statusClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debugf("Write error for status client %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
