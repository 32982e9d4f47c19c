package assistant

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// MessageRequest is the body of a chat send
type MessageRequest struct {
	Message string `json:"message"`
}

// Turn is one message of a conversation as returned to the kiné
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ReplyResponse is the answer to a chat send
type ReplyResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          Turn   `json:"reply"`
}

// HistoryResponse lists a conversation
type HistoryResponse struct {
	ConversationID string `json:"conversation_id"`
	Messages       []Turn `json:"messages"`
}

// Handler exposes the assistant over Echo
type Handler struct {
	service   *Service
	getKineID func(c echo.Context) string
}

// NewHandler creates the HTTP handler. getKineID returns the authenticated
// kiné or "" for anonymous callers.
func NewHandler(service *Service, getKineID func(c echo.Context) string) *Handler {
	return &Handler{service: service, getKineID: getKineID}
}

// Register mounts the chat routes on g. The limit middlewares apply to
// sending only; reading a conversation is never rate limited.
func (h *Handler) Register(g *echo.Group, limit ...echo.MiddlewareFunc) {
	g.POST("/chat/:conversationID/messages", h.Send, limit...)
	g.GET("/chat/:conversationID/messages", h.History)
}

// Send handles POST /chat/:conversationID/messages
func (h *Handler) Send(c echo.Context) error {
	kineID := h.getKineID(c)
	if kineID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	conversationID := c.Param("conversationID")
	reply, err := h.service.Reply(c.Request().Context(), conversationID, kineID, req.Message)
	switch {
	case err == nil:
	case IsClientError(err):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrCompletionFailed), errors.Is(err, ErrEmptyCompletion):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "assistant unavailable, try again later"})
	default:
		h.service.logger.Error("assistant send failed", kinelink.F("kine_id", kineID), kinelink.F("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, ReplyResponse{
		ConversationID: conversationID,
		Reply:          toTurn(*reply),
	})
}

// History handles GET /chat/:conversationID/messages
func (h *Handler) History(c echo.Context) error {
	kineID := h.getKineID(c)
	if kineID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	conversationID := c.Param("conversationID")
	turns, err := h.service.History(c.Request().Context(), conversationID, kineID)
	switch {
	case err == nil:
	case errors.Is(err, kinelink.ErrConversationNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case IsClientError(err):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.service.logger.Error("assistant history failed", kinelink.F("kine_id", kineID), kinelink.F("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	resp := HistoryResponse{ConversationID: conversationID, Messages: make([]Turn, 0, len(turns))}
	for _, t := range turns {
		resp.Messages = append(resp.Messages, toTurn(t))
	}
	return c.JSON(http.StatusOK, resp)
}

func toTurn(t kinelink.ConversationTurn) Turn {
	return Turn{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt}
}
