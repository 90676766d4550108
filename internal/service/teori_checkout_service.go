package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments"
	"drivingschool-backend/internal/payments/teori"
	"drivingschool-backend/internal/repository"
	"drivingschool-backend/pkg/cache"
	"drivingschool-backend/pkg/logger"
)

const (
	callbackTokenBytes      = 32
	defaultCallbackTokenTTL = 24 * time.Hour
	defaultCheckoutLockTTL  = 90 * time.Second
	defaultCheckoutLockWait = 5 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	lockedProviderCalls     = 3
	checkoutLockPrefix      = "teori:checkout:"
)

var tracer = otel.Tracer("drivingschool-backend/internal/service")

// TeoriSettingsResolver resolves the provider configuration.
type TeoriSettingsResolver interface {
	Resolve(ctx context.Context, forceReload bool) (*teori.Settings, error)
}

// TeoriOrderClient talks to the provider's merchant API.
type TeoriOrderClient interface {
	CreateOrder(ctx context.Context, settings *teori.Settings, order *teori.CreateOrderRequest) (*teori.CreateOrderResponse, error)
	GetOrder(ctx context.Context, settings *teori.Settings, orderID string) (*teori.Order, error)
}

// CheckoutLocker serialises checkout creation per merchant reference.
type CheckoutLocker interface {
	Lock(ctx context.Context, key string, ttl, wait time.Duration) (*cache.Lock, error)
	Unlock(ctx context.Context, lock *cache.Lock) error
}

// TeoriCheckoutConfig tunes the reconciliation engine.
type TeoriCheckoutConfig struct {
	CallbackTokenTTL time.Duration
	// LockTTL is a floor; the lock is held long enough for every provider
	// call made under it to exhaust its retries.
	LockTTL        time.Duration
	LockWait       time.Duration
	RequestTimeout time.Duration
}

// TeoriCheckout is the result of a checkout reconciliation.
type TeoriCheckout struct {
	CheckoutID        string
	CheckoutURL       string
	MerchantReference string
	IsExisting        bool
}

// TeoriCheckoutService reuses or opens provider checkout orders and keeps
// the local order mirror in step with them.
type TeoriCheckoutService struct {
	settings TeoriSettingsResolver
	client   TeoriOrderClient
	orders   repository.TeoriOrderRepository
	locker   CheckoutLocker
	config   TeoriCheckoutConfig
	now      func() time.Time
	random   io.Reader
}

func NewTeoriCheckoutService(settings TeoriSettingsResolver, client TeoriOrderClient, orders repository.TeoriOrderRepository, cfg TeoriCheckoutConfig) *TeoriCheckoutService {
	service := &TeoriCheckoutService{
		settings: settings,
		client:   client,
		orders:   orders,
		now:      time.Now,
		random:   rand.Reader,
	}
	service.SetConfig(cfg)
	return service
}

func (s *TeoriCheckoutService) SetConfig(cfg TeoriCheckoutConfig) {
	if cfg.CallbackTokenTTL <= 0 {
		cfg.CallbackTokenTTL = defaultCallbackTokenTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultCheckoutLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultCheckoutLockWait
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s.config = cfg
}

// lockTTL covers a reference lookup, the create and a conflict recovery
// lookup, each running all attempts with the client's doubling backoff.
func (s *TeoriCheckoutService) lockTTL(settings *teori.Settings) time.Duration {
	attempts := settings.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	perCall := time.Duration(attempts) * s.config.RequestTimeout
	backoff := time.Second
	for i := 1; i < attempts; i++ {
		perCall += backoff
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	ttl := lockedProviderCalls*perCall + s.config.LockWait
	if ttl < s.config.LockTTL {
		return s.config.LockTTL
	}
	return ttl
}

// SetLocker enables the per-reference advisory lock. A nil locker disables it.
func (s *TeoriCheckoutService) SetLocker(locker CheckoutLocker) {
	s.locker = locker
}

func (s *TeoriCheckoutService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *TeoriCheckoutService) SetRandomSource(r io.Reader) {
	if r != nil {
		s.random = r
	}
}

// GetOrCreateCheckout returns a checkout for the purchase, reusing an
// existing provider order found by external booking id or merchant
// reference before creating a new one.
func (s *TeoriCheckoutService) GetOrCreateCheckout(ctx context.Context, req models.TeoriCheckoutRequest) (*TeoriCheckout, error) {
	ctx, span := tracer.Start(ctx, "teori.checkout")
	defer span.End()

	checkout, result, err := s.getOrCreate(ctx, req)
	teori.RecordCheckout(result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("teori.merchant_reference", checkout.MerchantReference),
		attribute.String("teori.result", result),
	)
	return checkout, nil
}

func (s *TeoriCheckoutService) getOrCreate(ctx context.Context, req models.TeoriCheckoutRequest) (*TeoriCheckout, string, error) {
	settings, err := s.settings.Resolve(ctx, false)
	if err != nil {
		return nil, teori.CheckoutFailed, err
	}
	if !settings.Enabled {
		return nil, teori.CheckoutFailed, teori.ErrServiceDisabled
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, teori.CheckoutFailed, fmt.Errorf("%w: reference is required", ErrInvalidCheckoutRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, teori.CheckoutFailed, ErrInvalidAmount
	}

	if req.ExternalBookingID != nil && strings.TrimSpace(*req.ExternalBookingID) != "" {
		bookingID := strings.TrimSpace(*req.ExternalBookingID)
		bctx := logger.ContextWithFields(ctx, map[string]interface{}{"external_booking_id": bookingID})

		mirror, err := s.orders.GetByExternalBookingID(bctx, bookingID)
		switch {
		case err == nil:
			checkout, reuseErr := s.reuse(bctx, settings, mirror)
			if reuseErr == nil {
				return checkout, teori.CheckoutExisting, nil
			}
			logger.WarnContext(bctx, "Could not confirm existing Teori order, creating a new one", map[string]interface{}{
				"provider_order_id": mirror.ProviderOrderID,
				"error":             reuseErr.Error(),
			})
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return nil, teori.CheckoutFailed, err
		}
	}

	merchantReference := teori.SanitizeReference(reference)
	ctx = logger.ContextWithFields(ctx, map[string]interface{}{"merchant_reference": merchantReference})

	if s.locker != nil {
		lock, err := s.locker.Lock(ctx, checkoutLockPrefix+merchantReference, s.lockTTL(settings), s.config.LockWait)
		if err != nil {
			logger.WarnContext(ctx, "Proceeding without Teori checkout lock", map[string]interface{}{"error": err.Error()})
		} else {
			defer func() {
				if err := s.locker.Unlock(context.Background(), lock); err != nil {
					logger.WarnContext(ctx, "Failed to release Teori checkout lock", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	mirror, err := s.orders.GetByMerchantReference(ctx, merchantReference)
	switch {
	case err == nil:
		checkout, reuseErr := s.reuse(ctx, settings, mirror)
		if reuseErr == nil {
			return checkout, teori.CheckoutExisting, nil
		}
		logger.WarnContext(ctx, "Could not confirm existing Teori order by reference, creating a new one", map[string]interface{}{
			"provider_order_id": mirror.ProviderOrderID,
			"error":             reuseErr.Error(),
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, teori.CheckoutFailed, err
	}

	token, err := s.newCallbackToken()
	if err != nil {
		return nil, teori.CheckoutFailed, err
	}
	tokenExpiresAt := s.now().Add(s.config.CallbackTokenTTL)

	order, err := teori.NewCreateOrderRequest(settings, teori.OrderInput{
		MerchantReference: merchantReference,
		Item: payments.LineItem{
			Reference:   merchantReference,
			Description: req.Description,
			Amount:      req.Amount,
			Quantity:    1,
		},
		ReturnURL:     req.ReturnURL,
		CallbackToken: token,
		Customer: payments.Customer{
			Email:     req.CustomerEmail,
			Phone:     req.CustomerPhone,
			FirstName: req.CustomerFirstName,
			LastName:  req.CustomerLastName,
		},
	})
	if err != nil {
		return nil, teori.CheckoutFailed, err
	}

	logger.InfoContext(ctx, "Creating Teori order", map[string]interface{}{
		"amount":      req.Amount.String(),
		"environment": settings.Environment,
	})

	created, err := s.client.CreateOrder(ctx, settings, order)
	if err != nil {
		if !teori.IsOrderAlreadyExists(err) {
			return nil, teori.CheckoutFailed, err
		}
		checkout, recoverErr := s.recoverExisting(ctx, settings, merchantReference)
		if recoverErr != nil {
			logger.ErrorContext(ctx, recoverErr, "Teori order exists but could not be recovered", nil)
			return nil, teori.CheckoutFailed, err
		}
		return checkout, teori.CheckoutRecovered, nil
	}

	mirror = &models.TeoriOrder{
		ProviderOrderID:        created.OrderID.String(),
		MerchantReference:      merchantReference,
		Amount:                 req.Amount.Round(2),
		PaymentLink:            optionalString(created.PaymentLink),
		Environment:            string(settings.Environment),
		Status:                 "Created",
		CallbackToken:          &token,
		CallbackTokenExpiresAt: &tokenExpiresAt,
	}
	if req.ExternalBookingID != nil && strings.TrimSpace(*req.ExternalBookingID) != "" {
		bookingID := strings.TrimSpace(*req.ExternalBookingID)
		mirror.ExternalBookingID = &bookingID
	}
	if err := s.orders.Create(ctx, mirror); err != nil {
		logger.WarnContext(ctx, "Failed to persist Teori order mirror", map[string]interface{}{
			"provider_order_id": mirror.ProviderOrderID,
			"error":             err.Error(),
		})
	}

	logger.InfoContext(ctx, "Teori order created", map[string]interface{}{"provider_order_id": mirror.ProviderOrderID})

	return &TeoriCheckout{
		CheckoutID:        created.OrderID.String(),
		CheckoutURL:       created.PaymentLink,
		MerchantReference: merchantReference,
		IsExisting:        false,
	}, teori.CheckoutCreated, nil
}

// recoverExisting resolves an "already exists" conflict through the local mirror.
func (s *TeoriCheckoutService) recoverExisting(ctx context.Context, settings *teori.Settings, merchantReference string) (*TeoriCheckout, error) {
	logger.WarnContext(ctx, "Teori reports order already exists, recovering", nil)

	mirror, err := s.orders.GetByMerchantReference(ctx, merchantReference)
	if err != nil {
		return nil, err
	}
	return s.reuse(ctx, settings, mirror)
}

// reuse confirms a mirrored order against the provider and returns it.
func (s *TeoriCheckoutService) reuse(ctx context.Context, settings *teori.Settings, mirror *models.TeoriOrder) (*TeoriCheckout, error) {
	live, err := s.client.GetOrder(ctx, settings, mirror.ProviderOrderID)
	if err != nil {
		return nil, err
	}
	s.reconcile(ctx, mirror, live, false)

	link := strings.TrimSpace(live.PaymentLink)
	if link == "" && mirror.PaymentLink != nil {
		link = *mirror.PaymentLink
	}

	logger.InfoContext(ctx, "Reusing existing Teori order", map[string]interface{}{"provider_order_id": mirror.ProviderOrderID})

	return &TeoriCheckout{
		CheckoutID:        mirror.ProviderOrderID,
		CheckoutURL:       link,
		MerchantReference: mirror.MerchantReference,
		IsExisting:        true,
	}, nil
}

// reconcile copies a live order's status and link onto the mirror. Without
// force the row is only written when something changed. Write failures are
// logged and otherwise ignored.
func (s *TeoriCheckoutService) reconcile(ctx context.Context, mirror *models.TeoriOrder, live *teori.Order, force bool) {
	status := live.CurrentStatus()
	link := strings.TrimSpace(live.PaymentLink)

	statusChanged := status != "" && status != mirror.Status
	linkChanged := link != "" && (mirror.PaymentLink == nil || *mirror.PaymentLink != link)
	if !force && !statusChanged && !linkChanged {
		return
	}

	checkedAt := s.now()
	update := models.TeoriOrderUpdate{
		Status:    status,
		CheckedAt: checkedAt,
	}
	if linkChanged {
		update.PaymentLink = &link
	}
	if len(live.Raw) > 0 {
		update.Payload = datatypes.JSON(live.Raw)
	}

	if err := s.orders.UpdateStatusAndLink(ctx, mirror.ID.String(), update); err != nil {
		logger.WarnContext(ctx, "Failed to update Teori order mirror", map[string]interface{}{
			"provider_order_id": mirror.ProviderOrderID,
			"error":             err.Error(),
		})
		return
	}

	if statusChanged {
		mirror.Status = status
	}
	if linkChanged {
		mirror.PaymentLink = &link
	}
	if update.Payload != nil {
		mirror.LastPayload = update.Payload
	}
	mirror.LastStatusCheck = &checkedAt
}

// RefreshOrder re-fetches a mirrored order and reconciles the mirror with it.
func (s *TeoriCheckoutService) RefreshOrder(ctx context.Context, providerOrderID string) (*models.TeoriOrder, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidCheckoutRequest)
	}

	mirror, err := s.orders.GetByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	settings, err := s.settings.Resolve(ctx, false)
	if err != nil {
		return nil, err
	}
	if err := s.refreshMirror(ctx, settings, mirror); err != nil {
		return nil, err
	}
	return mirror, nil
}

func (s *TeoriCheckoutService) refreshMirror(ctx context.Context, settings *teori.Settings, mirror *models.TeoriOrder) error {
	live, err := s.client.GetOrder(ctx, settings, mirror.ProviderOrderID)
	if err != nil {
		return err
	}
	s.reconcile(ctx, mirror, live, true)
	return nil
}

func (s *TeoriCheckoutService) newCallbackToken() (string, error) {
	buf := make([]byte, callbackTokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("generate callback token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
