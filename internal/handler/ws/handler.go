package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/veda/backend/internal/model/chat"
	frames "github.com/zhouzirui/veda/backend/internal/model/stream"
	chatservice "github.com/zhouzirui/veda/backend/internal/service/chat"
	"github.com/zhouzirui/veda/backend/internal/service/stream"
)

// 应用层关闭码，浏览器端可在 onclose 中读取。
const (
	CloseServerError = 4000
	CloseAuthFailed  = 4001
	CloseForbidden   = 4003
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20
	queueSize    = 4
)

const (
	msgDuplicate   = "Duplicate message ignored"
	msgBusy        = "Too many pending messages"
	msgRateLimited = "Rate limit exceeded, please slow down"
	msgFailed      = "Failed to process message"
	msgMismatch    = "Conversation mismatch"
)

// TokenVerifier resolves the access token passed as the token query parameter.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Options tunes per-connection behaviour.
type Options struct {
	MessagesPerMinute int
	Language          string
}

// Handler WebSocket对话处理器
type Handler struct {
	coordinator *chatservice.Coordinator
	hub         *stream.Hub
	verifier    TokenVerifier
	opts        Options
	upgrader    websocket.Upgrader

	turns sync.WaitGroup
}

// New 创建WebSocket处理器
func New(coordinator *chatservice.Coordinator, hub *stream.Hub, verifier TokenVerifier, opts Options) *Handler {
	if opts.MessagesPerMinute <= 0 {
		opts.MessagesPerMinute = 30
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	return &Handler{
		coordinator: coordinator,
		hub:         hub,
		verifier:    verifier,
		opts:        opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/conversations/{conversationId}", h.ServeHTTP)
}

// Wait blocks until turns started by this handler have been persisted.
func (h *Handler) Wait() {
	h.turns.Wait()
}

type session struct {
	key     stream.Key
	conn    *safeConn
	limiter *rate.Limiter
	queue   chan frames.MessageFrame
	logger  zerolog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	token := r.URL.Query().Get("token")

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("websocket upgrade failed")
		return
	}
	conn := newSafeConn(raw)

	userID, err := h.verifier.Verify(token)
	if err != nil {
		log.Info().Err(err).Str("component", "ws").Str("conversation_id", conversationID).Msg("authentication failed")
		conn.closeWith(CloseAuthFailed, "authentication failed")
		return
	}

	if _, err := h.coordinator.Repository().GetConversation(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, chatservice.ErrConversationNotFound) || errors.Is(err, chatservice.ErrAccessDenied) {
			log.Info().Err(err).Str("component", "ws").
				Str("conversation_id", conversationID).Str("user_id", userID).
				Msg("conversation access denied")
			conn.closeWith(CloseForbidden, "conversation not found or access denied")
			return
		}
		log.Error().Err(err).Str("component", "ws").Str("conversation_id", conversationID).Msg("ownership check failed")
		conn.closeWith(CloseServerError, "internal error")
		return
	}

	perMinute := h.opts.MessagesPerMinute
	s := &session{
		key:     stream.Key{UserID: userID, ConversationID: conversationID},
		conn:    conn,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		queue:   make(chan frames.MessageFrame, queueSize),
		logger: log.With().
			Str("component", "ws").
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Logger(),
	}

	h.hub.Registry.Add(s.key, conn)
	s.logger.Info().Msg("websocket connected")

	// 同一连接上的消息按顺序处理；断开后已排队的消息仍会完成并落库。
	h.turns.Add(1)
	go func() {
		defer h.turns.Done()
		for f := range s.queue {
			h.handleTurn(r.Context(), s, f)
		}
	}()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		close(s.queue)
		h.hub.Registry.Remove(s.key, conn)
		_ = conn.Close()
		s.logger.Info().Msg("websocket disconnected")
	}()
	go pingLoop(raw, stop)

	raw.SetReadLimit(maxFrameSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(s, data)
	}
}

func (h *Handler) dispatch(s *session, data []byte) {
	frame, err := frames.ParseInbound(data)
	if err != nil {
		h.sendError(s, err.Error())
		return
	}

	switch f := frame.(type) {
	case frames.MessageFrame:
		if !s.limiter.Allow() {
			h.sendError(s, msgRateLimited)
			return
		}
		select {
		case s.queue <- f:
		default:
			h.sendError(s, msgBusy)
		}
	case frames.ResumeFrame:
		if f.ConversationID != "" && f.ConversationID != s.key.ConversationID {
			h.sendError(s, msgMismatch)
			return
		}
		if err := h.hub.Resume(s.conn, s.key.ConversationID, f.LastMessageID); err != nil {
			s.logger.Debug().Err(err).Msg("resume not delivered")
		}
	case frames.PingFrame:
		if err := s.conn.WriteJSON(frames.NewPong()); err != nil {
			s.logger.Debug().Err(err).Msg("pong not delivered")
		}
	}
}

// handleTurn runs one message frame. The coordinator detaches from ctx, so the
// turn is persisted even if the socket goes away halfway.
func (h *Handler) handleTurn(ctx context.Context, s *session, f frames.MessageFrame) {
	in, err := chat.NewTurnInput(f.Text, nil, nil, h.opts.Language, chat.TurnOptions{})
	if err != nil {
		h.sendError(s, err.Error())
		return
	}

	streamer := h.hub.Session(s.key)
	res, err := h.coordinator.HandleMessage(context.WithoutCancel(ctx), chatservice.Request{
		ConversationID:  s.key.ConversationID,
		UserID:          s.key.UserID,
		Input:           in,
		ClientMessageID: f.ClientMessageID,
		Streamer:        streamer,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("turn failed")
		if sendErr := streamer.SendError("", msgFailed); sendErr != nil {
			s.logger.Debug().Err(sendErr).Msg("error frame not delivered")
		}
		return
	}
	if res.Duplicate {
		if err := streamer.SendError("", msgDuplicate); err != nil {
			s.logger.Debug().Err(err).Msg("error frame not delivered")
		}
	}
}

func (h *Handler) sendError(s *session, message string) {
	if err := s.conn.WriteJSON(frames.NewError(s.key.ConversationID, message)); err != nil {
		s.logger.Debug().Err(err).Msg("error frame not delivered")
	}
}

func pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
