package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

const (
	maxKineIDLen   = 255
	maxRequestBody = 64 * 1024
)

var (
	errMissingKineID = errors.New("kiné id not found")
	errInvalidKineID = errors.New("invalid kiné id format")
	errInternal      = errors.New("internal error")
)

// Handler provides the kiné-facing billing endpoints
type Handler struct {
	config Config
}

// Routes returns a mux serving every endpoint of the handler
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/subscription", h.GetSubscription)
	mux.HandleFunc("POST /api/subscription/checkout", h.CreateCheckout)
	mux.HandleFunc("POST /api/subscription/portal", h.CreatePortal)
	mux.HandleFunc("GET /api/notifications", h.ListNotifications)
	return mux
}

// GetSubscription returns the billing state of the calling kiné
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	kineID, ok := h.kineID(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Store.GetSubscription(r.Context(), kineID)
	if errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to get subscription", err)
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionResponse{
		KineID:            sub.KineID,
		Plan:              sub.Plan,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Active:            sub.Active(h.config.Now()),
	})
}

// CreateCheckout returns a hosted checkout link for the requested plan
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	kineID, ok := h.kineID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.Plan == "" || req.SuccessURL == "" || req.CancelURL == "" {
		h.handleError(w, r, fmt.Errorf("plan, success_url and cancel_url are required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Checkout.CheckoutURL(r.Context(), kineID, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.providerError(w, r, "failed to create checkout session", err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortal returns a billing-portal link for the calling kiné
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	kineID, ok := h.kineID(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.ReturnURL == "" {
		h.handleError(w, r, fmt.Errorf("return_url is required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Checkout.PortalURL(r.Context(), kineID, req.ReturnURL)
	if err != nil {
		h.providerError(w, r, "failed to create portal session", err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// ListNotifications returns the in-app notifications of the calling kiné
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	kineID, ok := h.kineID(w, r)
	if !ok {
		return
	}

	list, err := h.config.Store.ListNotifications(r.Context(), kineID)
	if err != nil {
		h.internalError(w, r, "failed to list notifications", err)
		return
	}

	resp := NotificationsResponse{Notifications: make([]Notification, 0, len(list))}
	for _, n := range list {
		resp.Notifications = append(resp.Notifications, Notification{
			ID:        n.ID,
			Kind:      string(n.Kind),
			Message:   n.Message,
			CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) kineID(w http.ResponseWriter, r *http.Request) (string, bool) {
	kineID := h.config.GetKineID(r)
	if kineID == "" {
		h.handleError(w, r, errMissingKineID, http.StatusUnauthorized)
		return "", false
	}
	if len(kineID) > maxKineIDLen {
		h.handleError(w, r, errInvalidKineID, http.StatusBadRequest)
		return "", false
	}
	return kineID, true
}

// providerError maps billing errors onto HTTP statuses
func (h *Handler) providerError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, billing.ErrPlanNotConfigured):
		h.handleError(w, r, err, http.StatusBadRequest)
	case errors.Is(err, billing.ErrCustomerNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	case errors.Is(err, billing.ErrProviderNotConfigured):
		h.handleError(w, r, err, http.StatusServiceUnavailable)
	case errors.Is(err, billing.ErrProviderAPIError):
		h.config.Logger.Error(msg, kinelink.F("error", err))
		h.handleError(w, r, billing.ErrProviderAPIError, http.StatusBadGateway)
	default:
		h.internalError(w, r, msg, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.config.Logger.Error(msg, kinelink.F("path", r.URL.Path), kinelink.F("error", err))
	h.handleError(w, r, errInternal, http.StatusInternalServerError)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// response already started, nothing useful to do with an encoding error
	_ = json.NewEncoder(w).Encode(body)
}
