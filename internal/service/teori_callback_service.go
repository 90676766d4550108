package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments/teori"
	"drivingschool-backend/internal/repository"
	"drivingschool-backend/pkg/logger"
)

// WebhookVerifier checks the signature of an inbound provider callback.
type WebhookVerifier interface {
	Verify(ctx context.Context, signature string, body []byte) bool
}

// TeoriStatusPush is the body of a checkout status push.
type TeoriStatusPush struct {
	OrderID                teori.OrderID `json:"OrderId"`
	MerchantReference      string        `json:"MerchantReference"`
	Status                 string        `json:"Status"`
	CustomerCheckoutStatus string        `json:"CustomerCheckoutStatus"`
}

func (p TeoriStatusPush) currentStatus() string {
	if status := strings.TrimSpace(p.CustomerCheckoutStatus); status != "" {
		return status
	}
	return strings.TrimSpace(p.Status)
}

// TeoriCallbackService handles status pushes and order validation requests
// sent by the provider.
type TeoriCallbackService struct {
	verifier WebhookVerifier
	orders   repository.TeoriOrderRepository
	now      func() time.Time
}

func NewTeoriCallbackService(verifier WebhookVerifier, orders repository.TeoriOrderRepository) *TeoriCallbackService {
	return &TeoriCallbackService{verifier: verifier, orders: orders, now: time.Now}
}

func (s *TeoriCallbackService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// HandleStatusPush verifies a status push and records the reported status on the mirror.
func (s *TeoriCallbackService) HandleStatusPush(ctx context.Context, signature, token string, body []byte) (*models.TeoriOrder, error) {
	if !s.verifier.Verify(ctx, signature, body) {
		return nil, ErrInvalidSignature
	}

	push, err := parseStatusPush(body)
	if err != nil {
		return nil, err
	}
	ctx = logger.ContextWithFields(ctx, map[string]interface{}{
		"provider_order_id":  push.OrderID.String(),
		"merchant_reference": push.MerchantReference,
	})

	mirror, err := s.findMirror(ctx, push)
	if err != nil {
		return nil, err
	}
	if err := s.checkToken(mirror, token); err != nil {
		logger.WarnContext(ctx, "Rejected Teori status push with bad callback token", nil)
		return nil, err
	}

	status := push.currentStatus()
	checkedAt := s.now()
	update := models.TeoriOrderUpdate{
		Status:    status,
		Payload:   datatypes.JSON(body),
		CheckedAt: checkedAt,
	}
	if err := s.orders.UpdateStatusAndLink(ctx, mirror.ID.String(), update); err != nil {
		return nil, err
	}

	if status != "" {
		mirror.Status = status
	}
	mirror.LastPayload = update.Payload
	mirror.LastStatusCheck = &checkedAt

	logger.InfoContext(ctx, "Teori status push recorded", map[string]interface{}{"status": status})
	return mirror, nil
}

// ValidateOrder answers the provider's order validation callback. It returns
// an empty decline reason when the order may proceed.
func (s *TeoriCallbackService) ValidateOrder(ctx context.Context, token string, body []byte) (string, error) {
	push, err := parseStatusPush(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(push.MerchantReference) == "" {
		return "", ErrInvalidCallback
	}

	mirror, err := s.orders.GetByMerchantReference(ctx, strings.TrimSpace(push.MerchantReference))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "OrderNotFound", nil
		}
		return "", err
	}
	if err := s.checkToken(mirror, token); err != nil {
		return "InvalidToken", nil
	}
	return "", nil
}

func (s *TeoriCallbackService) findMirror(ctx context.Context, push *TeoriStatusPush) (*models.TeoriOrder, error) {
	if id := push.OrderID.String(); id != "" {
		mirror, err := s.orders.GetByProviderOrderID(ctx, id)
		if err == nil {
			return mirror, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if reference := strings.TrimSpace(push.MerchantReference); reference != "" {
		mirror, err := s.orders.GetByMerchantReference(ctx, reference)
		if err == nil {
			return mirror, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, ErrOrderNotFound
}

// checkToken requires a matching, unexpired token when the mirror carries one.
func (s *TeoriCallbackService) checkToken(mirror *models.TeoriOrder, token string) error {
	if mirror.CallbackToken == nil || *mirror.CallbackToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(*mirror.CallbackToken)) != 1 {
		return ErrInvalidCallbackToken
	}
	if mirror.CallbackTokenExpiresAt != nil && !s.now().Before(*mirror.CallbackTokenExpiresAt) {
		return ErrInvalidCallbackToken
	}
	return nil
}

func parseStatusPush(body []byte) (*TeoriStatusPush, error) {
	var push TeoriStatusPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, ErrInvalidCallback
	}
	if push.OrderID == "" && strings.TrimSpace(push.MerchantReference) == "" {
		return nil, ErrInvalidCallback
	}
	return &push, nil
}
