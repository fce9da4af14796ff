package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/veda/backend/internal/middleware"
	"github.com/zhouzirui/veda/backend/internal/model/chat"
	chatService "github.com/zhouzirui/veda/backend/internal/service/chat"
	"github.com/zhouzirui/veda/backend/pkg/utils"
)

const maxBodyBytes = 25 << 20

// Handler 对话与消息的HTTP处理器
type Handler struct {
	coordinator *chatService.Coordinator
	repo        chatService.Repository
	language    string
	validate    *validator.Validate
}

// New 创建聊天处理器
func New(coordinator *chatService.Coordinator, language string) *Handler {
	if language == "" {
		language = "en"
	}
	return &Handler{
		coordinator: coordinator,
		repo:        coordinator.Repository(),
		language:    language,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes 注册聊天相关的路由，调用方负责挂载鉴权中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.handleCreateConversation)
	r.Get("/conversations", h.handleListConversations)
	r.Get("/conversations/{id}/messages", h.handleListMessages)
	r.Post("/conversations/{id}/messages", h.handleSendMessage)
}

type createConversationRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type sendMessageRequest struct {
	Text            string `json:"text" validate:"omitempty,max=8000"`
	Audio           []byte `json:"audio"`
	Image           []byte `json:"image"`
	Language        string `json:"language" validate:"omitempty,max=16"`
	ClientMessageID string `json:"client_message_id" validate:"omitempty,max=128"`
	SkipSummarizer  bool   `json:"skip_summarizer"`
	SkipRAG         bool   `json:"skip_rag"`
}

type sendMessageResponse struct {
	Success            bool   `json:"success"`
	ConversationID     string `json:"conversation_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	Response           string `json:"response,omitempty"`
	Status             string `json:"status,omitempty"`
	Incomplete         bool   `json:"incomplete,omitempty"`
	Duplicate          bool   `json:"duplicate,omitempty"`
}

// handleCreateConversation 创建会话
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var payload createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "title is required and must be at most 200 characters")
		return
	}

	conv, err := h.repo.CreateConversation(r.Context(), userID, payload.Title)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	utils.RespondJSON(w, http.StatusOK, convs)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	conversationID := chi.URLParam(r, "id")

	if _, err := h.repo.GetConversation(r.Context(), conversationID, userID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), conversationID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, msgs)
}

// handleSendMessage 批量（非流式）处理一轮对话，音频和图片以 base64 传输。
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	conversationID := chi.URLParam(r, "id")

	var payload sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request fields")
		return
	}

	language := payload.Language
	if language == "" {
		language = h.language
	}
	in, err := chat.NewTurnInput(payload.Text, payload.Audio, payload.Image, language, chat.TurnOptions{
		SkipSummarizer: payload.SkipSummarizer,
		SkipRAG:        payload.SkipRAG,
	})
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.coordinator.HandleMessage(r.Context(), chatService.Request{
		ConversationID:  conversationID,
		UserID:          userID,
		Input:           in,
		ClientMessageID: payload.ClientMessageID,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sendMessageResponse{
		Success:            true,
		ConversationID:     res.ConversationID,
		UserMessageID:      res.UserMessageID,
		AssistantMessageID: res.AssistantMessageID,
		Response:           res.Response,
		Status:             string(res.UserStatus),
		Incomplete:         res.Incomplete,
		Duplicate:          res.Duplicate,
	})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrAccessDenied):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chatService.ErrTitleRequired), errors.Is(err, chat.ErrEmptyTurn):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("component", "chat_handler").Msg("request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
