package service

import (
	"context"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments/teori"
)

type TeoriCheckoutUseCase interface {
	GetOrCreateCheckout(ctx context.Context, req models.TeoriCheckoutRequest) (*TeoriCheckout, error)
	RefreshOrder(ctx context.Context, providerOrderID string) (*models.TeoriOrder, error)
}

type TeoriCallbackUseCase interface {
	HandleStatusPush(ctx context.Context, signature, token string, body []byte) (*models.TeoriOrder, error)
	ValidateOrder(ctx context.Context, token string, body []byte) (string, error)
}

type TeoriSettingsUseCase interface {
	Update(ctx context.Context, values map[string]string) (*teori.Settings, error)
}

var (
	_ TeoriCheckoutUseCase = (*TeoriCheckoutService)(nil)
	_ TeoriCallbackUseCase = (*TeoriCallbackService)(nil)
	_ TeoriSettingsUseCase = (*TeoriSettingsService)(nil)
)
