package services

import (
	"context"
	"errors"
	"time"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/config"
	"listing-chat/internal/store"
)

// EntitlementGate decides whether a user may open chat at all.
type EntitlementGate struct {
	mode         string
	entitlements store.EntitlementStore
	now          func() time.Time
}

func NewEntitlementGate(mode string, entitlements store.EntitlementStore) *EntitlementGate {
	return &EntitlementGate{mode: mode, entitlements: entitlements, now: time.Now}
}

// Check returns FORBIDDEN when the user holds no active entitlement.
func (g *EntitlementGate) Check(ctx context.Context, userID string) error {
	if g == nil || g.mode != config.EntitlementEnforced {
		return nil
	}

	var until time.Time
	err := retryRead(ctx, "ActiveUntil", func(ctx context.Context) error {
		var err error
		until, err = g.entitlements.ActiveUntil(ctx, userID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.Forbidden("chat is not available on your plan")
	}
	if err != nil {
		return storeError(err, "Entitlement")
	}
	if !until.After(g.now()) {
		return apperrors.Forbidden("chat entitlement expired")
	}
	return nil
}
