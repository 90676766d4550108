package service

import (
	"context"
	"time"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/pkg/logger"
)

const defaultOrderSyncBatch = 50

// teoriFinalStatuses are provider statuses that no longer change.
var teoriFinalStatuses = []string{"Completed", "Refused", "Cancelled", "Expired"}

// SyncStaleOrders refreshes up to limit non-final mirrors of the configured
// environment that have not been checked within staleAfter. A failed refresh
// is logged and its check time stamped so it waits a full staleAfter before
// the next attempt. The number of refreshed orders is returned.
func (s *TeoriCheckoutService) SyncStaleOrders(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultOrderSyncBatch
	}

	settings, err := s.settings.Resolve(ctx, false)
	if err != nil {
		return 0, err
	}
	if !settings.Enabled {
		return 0, nil
	}

	orders, err := s.orders.ListStale(ctx, string(settings.Environment), s.now().Add(-staleAfter), teoriFinalStatuses, limit)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for i := range orders {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		mirror := &orders[i]
		if err := s.refreshMirror(ctx, settings, mirror); err != nil {
			logger.WarnContext(ctx, "Failed to refresh Teori order", map[string]interface{}{
				"provider_order_id": mirror.ProviderOrderID,
				"error":             err.Error(),
			})
			s.markChecked(ctx, mirror)
			continue
		}
		refreshed++
	}

	if len(orders) > 0 {
		logger.InfoContext(ctx, "Teori order sync finished", map[string]interface{}{
			"candidates": len(orders),
			"refreshed":  refreshed,
		})
	}
	return refreshed, nil
}

func (s *TeoriCheckoutService) markChecked(ctx context.Context, mirror *models.TeoriOrder) {
	update := models.TeoriOrderUpdate{CheckedAt: s.now()}
	if err := s.orders.UpdateStatusAndLink(ctx, mirror.ID.String(), update); err != nil {
		logger.WarnContext(ctx, "Failed to stamp Teori order check time", map[string]interface{}{
			"provider_order_id": mirror.ProviderOrderID,
			"error":             err.Error(),
		})
	}
}
