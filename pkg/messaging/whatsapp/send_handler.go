package whatsapp

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// SendRequest is the body of an internal send call
type SendRequest struct {
	Phone    string  `json:"phone"`
	Message  *string `json:"message"`
	DeepLink *string `json:"deep_link"`
}

// SendHandler exposes Service.Notify to internal callers holding a bearer token.
// It answers 200 with the SendResult when the provider accepted the message
// and 502 with the SendResult when both templates failed.
type SendHandler struct {
	service *Service
	token   string
}

// NewSendHandler creates the internal send endpoint. An empty token rejects every call.
func NewSendHandler(service *Service, token string) *SendHandler {
	return &SendHandler{service: service, token: token}
}

// ServeHTTP implements http.Handler
func (h *SendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req SendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || strings.TrimSpace(req.Phone) == "" {
		writeResult(w, http.StatusBadRequest, SendResult{Error: "phone is required"})
		return
	}

	result := h.service.Notify(r.Context(), req.Phone, req.Message, req.DeepLink)
	if !result.Success {
		writeResult(w, http.StatusBadGateway, result)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (h *SendHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func writeResult(w http.ResponseWriter, code int, result SendResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(result)
}
