package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"drivingschool-backend/internal/models"
)

// TeoriOrderRepository stores local mirrors of provider checkout orders.
// Lookups return gorm.ErrRecordNotFound when no row matches.
type TeoriOrderRepository interface {
	Create(ctx context.Context, order *models.TeoriOrder) error
	GetByExternalBookingID(ctx context.Context, externalBookingID string) (*models.TeoriOrder, error)
	GetByMerchantReference(ctx context.Context, merchantReference string) (*models.TeoriOrder, error)
	GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.TeoriOrder, error)
	UpdateStatusAndLink(ctx context.Context, id string, update models.TeoriOrderUpdate) error
	ListStale(ctx context.Context, environment string, checkedBefore time.Time, finalStatuses []string, limit int) ([]models.TeoriOrder, error)
}

type teoriOrderRepository struct {
	db *gorm.DB
}

func NewTeoriOrderRepository(db *gorm.DB) TeoriOrderRepository {
	return &teoriOrderRepository{db: db}
}

func (r *teoriOrderRepository) Create(ctx context.Context, order *models.TeoriOrder) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *teoriOrderRepository) GetByExternalBookingID(ctx context.Context, externalBookingID string) (*models.TeoriOrder, error) {
	return r.first(ctx, "external_booking_id = ?", externalBookingID)
}

func (r *teoriOrderRepository) GetByMerchantReference(ctx context.Context, merchantReference string) (*models.TeoriOrder, error) {
	return r.first(ctx, "merchant_reference = ?", merchantReference)
}

func (r *teoriOrderRepository) GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.TeoriOrder, error) {
	return r.first(ctx, "provider_order_id = ?", providerOrderID)
}

// first returns the newest mirror matching the condition.
func (r *teoriOrderRepository) first(ctx context.Context, query string, args ...interface{}) (*models.TeoriOrder, error) {
	var order models.TeoriOrder
	err := r.db.WithContext(ctx).
		Where(query, args...).
		Order("created_at DESC").
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *teoriOrderRepository) UpdateStatusAndLink(ctx context.Context, id string, update models.TeoriOrderUpdate) error {
	updates := map[string]interface{}{
		"last_status_check": update.CheckedAt,
	}
	if update.Status != "" {
		updates["status"] = update.Status
	}
	if update.PaymentLink != nil {
		updates["payment_link"] = *update.PaymentLink
	}
	if len(update.Payload) > 0 {
		updates["last_payload"] = update.Payload
	}

	result := r.db.WithContext(ctx).
		Model(&models.TeoriOrder{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListStale returns mirrors of environment outside finalStatuses that were
// last checked before checkedBefore (or never), oldest first.
func (r *teoriOrderRepository) ListStale(ctx context.Context, environment string, checkedBefore time.Time, finalStatuses []string, limit int) ([]models.TeoriOrder, error) {
	query := r.db.WithContext(ctx).
		Where("environment = ?", environment).
		Where("last_status_check IS NULL OR last_status_check < ?", checkedBefore)
	if len(finalStatuses) > 0 {
		query = query.Where("status NOT IN ?", finalStatuses)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var orders []models.TeoriOrder
	err := query.Order("last_status_check ASC NULLS FIRST").Order("created_at ASC").Find(&orders).Error
	return orders, err
}
