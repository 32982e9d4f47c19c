package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/kinelink/pkg/billing"
)

// expandable decodes a Stripe reference that is either an id string or an expanded object
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`

	// Set by API versions before 2025-03-31. Newer versions carry it per item.
	CurrentPeriodEnd int64 `json:"current_period_end"`

	Items struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID      string     `json:"id"`
				Product expandable `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixTime(end)
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	BillingReason string     `json:"billing_reason"`
	AmountPaid    int64      `json:"amount_paid"`

	// Older API versions
	Subscription        expandable `json:"subscription"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`

	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandable        `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`

	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *invoiceObject) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return string(inv.Subscription)
}

func (inv *invoiceObject) metadata() map[string]string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && len(inv.Parent.SubscriptionDetails.Metadata) > 0 {
		return inv.Parent.SubscriptionDetails.Metadata
	}
	if inv.SubscriptionDetails != nil {
		return inv.SubscriptionDetails.Metadata
	}
	return nil
}

func (inv *invoiceObject) periodEnd() *time.Time {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return unixTime(end)
}

func decodeObject(ev *billing.Event, v interface{}) error {
	if len(ev.Data) == 0 {
		return billing.Recoverable("decode "+ev.Type, fmt.Errorf("%w: empty event object", billing.ErrInvalidWebhookPayload))
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return billing.Recoverable("decode "+ev.Type, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err))
	}
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
