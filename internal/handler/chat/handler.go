package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// AIErrorHeader 在 AI 回复失败时携带错误描述
const AIErrorHeader = "X-AI-Error"

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.Named("handler.chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Post("/chats", h.handleCreateChat)
	r.Get("/messages/{chatID}", h.handleListMessages)
	r.Post("/messages/{chatID}", h.handlePostMessage)
}

// handleListChats 列出所有会话ID
func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.chatSvc.ListChats(r.Context()))
}

// handleCreateChat 创建会话
func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := h.chatSvc.CreateChat(r.Context())
	if err != nil {
		h.logger.Error("create chat failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"chat_id": chatID})
}

// handleListMessages 返回会话的完整消息记录
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	messages, err := h.chatSvc.Messages(r.Context(), chatID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, messages)
}

type postMessageRequest struct {
	Text  *string `json:"text"`
	AskAI bool    `json:"ask_ai"`
}

// handlePostMessage 保存用户消息，并按需请求 AI 回复
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if !h.chatSvc.HasChat(chatID) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrChatNotFound.Error())
		return
	}

	var payload postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Text == nil {
		utils.RespondError(w, http.StatusBadRequest, chatService.ErrInvalidInput.Error())
		return
	}

	result, err := h.chatSvc.PostMessage(r.Context(), chatID, *payload.Text, payload.AskAI)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if result.AIError != nil {
		w.Header().Set(AIErrorHeader, result.AIError.Error())
	}
	utils.RespondJSON(w, http.StatusCreated, result.Messages)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrChatNotFound):
		utils.RespondError(w, http.StatusNotFound, chatService.ErrChatNotFound.Error())
	case errors.Is(err, chatService.ErrInvalidInput):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
