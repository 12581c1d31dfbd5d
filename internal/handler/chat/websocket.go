package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

const (
	readWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	pingInterval = 54 * time.Second
)

// WebSocketHandler 通过 WebSocket 收发聊天消息
type WebSocketHandler struct {
	chatSvc      *chatService.Service
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
	active  sync.WaitGroup
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatService.Service, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		chatSvc: chatSvc,
		logger:  logger.Named("handler.websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: pingInterval,
		conns:        make(map[*wsConn]struct{}),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{chatID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type   string          `json:"type"`
	ChatID string          `json:"chatId"`
	Data   json.RawMessage `json:"data"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text  string `json:"text"`
	AskAI bool   `json:"ask_ai"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	ChatID    string      `json:"chatId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// close sends a going-away frame and closes the socket, which unblocks
// the handler's read loop.
func (c *wsConn) close() {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !h.chatSvc.HasChat(chatID) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrChatNotFound.Error())
		return
	}

	if !h.acquire() {
		utils.RespondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer h.active.Done()

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	if !h.track(conn) {
		return
	}
	defer h.untrack(conn)

	h.logger.Info("connection opened", zap.String("chat_id", chatID))

	ctx, cancel := context.WithCancel(r.Context())
	wg := conc.NewWaitGroup()
	defer wg.Wait()
	defer cancel()

	_ = raw.SetReadDeadline(time.Now().Add(readWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(readWait))
	})

	wg.Go(func() { h.pingLoop(ctx, conn) })

	h.send(conn, "connected", chatID, nil)

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read error", zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(readWait))

		if msg.ChatID != "" && msg.ChatID != chatID {
			h.sendError(conn, "chat mismatch")
			continue
		}

		h.handleMessage(ctx, conn, chatID, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *wsConn, chatID string, msg *inboundMessage) {
	switch msg.Type {
	case "message":
		h.handleTextMessage(ctx, conn, chatID, msg.Data)
	case "history":
		messages, err := h.chatSvc.Messages(ctx, chatID)
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}
		h.send(conn, "history", chatID, messages)
	default:
		h.sendError(conn, "unsupported message type: "+msg.Type)
	}
}

func (h *WebSocketHandler) handleTextMessage(ctx context.Context, conn *wsConn, chatID string, raw json.RawMessage) {
	var text TextMessage
	if err := json.Unmarshal(raw, &text); err != nil {
		h.sendError(conn, "invalid message payload")
		return
	}

	result, err := h.chatSvc.PostMessage(ctx, chatID, text.Text, text.AskAI)
	if err != nil {
		switch {
		case errors.Is(err, chatService.ErrInvalidInput), errors.Is(err, chatService.ErrChatNotFound):
			h.sendError(conn, err.Error())
		default:
			h.logger.Error("post message failed", zap.String("chat_id", chatID), zap.Error(err))
			h.sendError(conn, "internal error")
		}
		return
	}

	h.send(conn, "result", chatID, result.Messages)
	if result.AIError != nil {
		h.sendError(conn, result.AIError.Error())
	}
}

func (h *WebSocketHandler) send(conn *wsConn, kind, chatID string, data interface{}) {
	msg := outgoingMessage{
		Type:      kind,
		ChatID:    chatID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	if err := conn.writeJSON(msg); err != nil {
		h.logger.Debug("write failed", zap.String("type", kind), zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, message string) {
	h.send(conn, "error", "", map[string]string{"message": message})
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

// acquire registers a handler invocation unless Shutdown has started.
func (h *WebSocketHandler) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

func (h *WebSocketHandler) track(conn *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *WebSocketHandler) untrack(conn *wsConn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Shutdown refuses new connections, closes the open ones and waits for
// their handlers to return. A message being posted when Shutdown starts
// is finished first. http.Server.Shutdown does not cover hijacked
// connections, so this must run before the final chat snapshot.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*wsConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("websocket connections drained", zap.Int("closed", len(conns)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
