// Package referral grants credits to kinés whose referrals keep paying.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// DefaultCreditMonths is granted per qualifying renewal
const DefaultCreditMonths = 1

// Store is the subset of kinelink.Storage used by the service
type Store interface {
	kinelink.ReferralStore
	kinelink.NotificationStore
}

// Config configures the referral service
type Config struct {
	Store Store

	// CreditMonths granted per renewal. Zero means DefaultCreditMonths.
	CreditMonths int

	Logger kinelink.Logger
	Now    kinelink.TimeSource
}

// Service evaluates renewals against referral links
type Service struct {
	store        Store
	creditMonths int
	logger       kinelink.Logger
	now          kinelink.TimeSource
}

// NewService creates a referral service
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("referral store is required")
	}
	if cfg.CreditMonths < 0 {
		return nil, fmt.Errorf("credit months must not be negative: %d", cfg.CreditMonths)
	}
	s := &Service{
		store:        cfg.Store,
		creditMonths: cfg.CreditMonths,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if s.creditMonths == 0 {
		s.creditMonths = DefaultCreditMonths
	}
	if s.logger == nil {
		s.logger = &kinelink.NoopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// EvaluateRenewal credits the referrer of sub.KineID for a paid renewal invoice.
// A kiné without referrer does not qualify and is not an error. Each invoice
// credits at most once.
func (s *Service) EvaluateRenewal(ctx context.Context, sub *kinelink.Subscription, invoiceID string) error {
	if sub == nil || sub.KineID == "" || invoiceID == "" {
		return fmt.Errorf("referral evaluation requires a kiné and an invoice")
	}

	referrer, err := s.store.GetReferrer(ctx, sub.KineID)
	if errors.Is(err, kinelink.ErrReferrerNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get referrer: %w", err)
	}

	now := s.now().UTC()
	created, err := s.store.AddReferralCredit(ctx, &kinelink.ReferralCredit{
		ID:             uuid.NewString(),
		ReferrerKineID: referrer,
		ReferredKineID: sub.KineID,
		InvoiceID:      invoiceID,
		Months:         s.creditMonths,
		CreatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("add referral credit: %w", err)
	}
	if !created {
		s.logger.Debug("referral credit already granted",
			kinelink.F("invoice_id", invoiceID), kinelink.F("referrer", referrer))
		return nil
	}

	err = s.store.AddNotification(ctx, &kinelink.Notification{
		ID:        "referral_credit:" + invoiceID,
		KineID:    referrer,
		Kind:      kinelink.NotificationReferralCredit,
		Message:   fmt.Sprintf("A kiné you referred renewed: you earned %d free month(s).", s.creditMonths),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("notify referrer: %w", err)
	}

	s.logger.Info("referral credit granted",
		kinelink.F("referrer", referrer), kinelink.F("referred", sub.KineID),
		kinelink.F("invoice_id", invoiceID), kinelink.F("months", s.creditMonths))
	return nil
}

// Credits returns the credits a kiné earned, oldest first
func (s *Service) Credits(ctx context.Context, kineID string) ([]kinelink.ReferralCredit, error) {
	return s.store.ListReferralCredits(ctx, kineID)
}

// TotalMonths sums the months of credits
func TotalMonths(credits []kinelink.ReferralCredit) int {
	total := 0
	for _, c := range credits {
		total += c.Months
	}
	return total
}
