package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mihaimyh/kinelink/pkg/api"
	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// subscriptionSyncer pulls the provider's view of a kiné subscription
type subscriptionSyncer interface {
	SyncSubscription(ctx context.Context, kineID string) (*kinelink.Subscription, error)
}

// internalAuth accepts "Authorization: Bearer <token>" and answers 401 otherwise
func internalAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(error, echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid internal token")
		},
	})
}

// syncSubscription repairs the stored subscription of a kiné from the provider
func syncSubscription(syncer subscriptionSyncer, now kinelink.TimeSource, logger kinelink.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		kineID := c.Param("kineID")
		sub, err := syncer.SyncSubscription(c.Request().Context(), kineID)
		switch {
		case err == nil:
		case errors.Is(err, billing.ErrCustomerNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "no provider subscription for this kiné")
		case errors.Is(err, billing.ErrProviderAPIError):
			logger.Warn("subscription sync failed", kinelink.F("kine_id", kineID), kinelink.F("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, "billing provider unavailable")
		default:
			logger.Error("subscription sync failed", kinelink.F("kine_id", kineID), kinelink.F("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "subscription sync failed")
		}

		logger.Info("subscription synced", kinelink.F("kine_id", kineID), kinelink.F("status", string(sub.Status)))
		return c.JSON(http.StatusOK, api.SubscriptionResponse{
			KineID:            sub.KineID,
			Plan:              sub.Plan,
			Status:            string(sub.Status),
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			Active:            sub.Active(now()),
		})
	}
}
