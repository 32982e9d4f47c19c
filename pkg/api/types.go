package api

import "time"

// SubscriptionResponse is the billing state of the calling kiné
type SubscriptionResponse struct {
	KineID            string     `json:"kine_id"`
	Plan              string     `json:"plan"`
	Status            string     `json:"status"` // "active", "past_due", "canceled", ...
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	Active            bool       `json:"active"` // whether paid features are unlocked right now
}

// CheckoutRequest starts a hosted checkout for a plan
type CheckoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PortalRequest opens the self-service billing page
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// URLResponse carries a hosted page link
type URLResponse struct {
	URL string `json:"url"`
}

// Notification is an in-app notification
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationsResponse lists the notifications of a kiné, oldest first
type NotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
}

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error string `json:"error"`
}
