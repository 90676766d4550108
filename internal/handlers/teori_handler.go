package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments/teori"
	"drivingschool-backend/internal/service"
	"drivingschool-backend/pkg/logger"
)

const maxCallbackBodyBytes = 1 << 20

// TeoriSettingsSource exposes the cached provider settings.
type TeoriSettingsSource interface {
	Resolve(ctx context.Context, forceReload bool) (*teori.Settings, error)
	Snapshot() (*teori.Settings, time.Time, time.Duration)
}

type updateTeoriSettingsRequest struct {
	Settings map[string]string `json:"settings" binding:"required"`
}

// TeoriHandler exposes Teori checkout, provider callbacks and admin operations.
type TeoriHandler struct {
	checkout  service.TeoriCheckoutUseCase
	callbacks service.TeoriCallbackUseCase
	settings  TeoriSettingsSource
	updater   service.TeoriSettingsUseCase
}

func NewTeoriHandler(checkout service.TeoriCheckoutUseCase, callbacks service.TeoriCallbackUseCase, settings TeoriSettingsSource, updater service.TeoriSettingsUseCase) *TeoriHandler {
	return &TeoriHandler{checkout: checkout, callbacks: callbacks, settings: settings, updater: updater}
}

func (h *TeoriHandler) ensureService(c *gin.Context) bool {
	if h == nil || h.checkout == nil || h.callbacks == nil || h.settings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment method currently unavailable"})
		return false
	}
	return true
}

// CreateCheckout starts or resumes a checkout for a purchase.
func (h *TeoriHandler) CreateCheckout(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}

	var req models.TeoriCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	checkout, err := h.checkout.GetOrCreateCheckout(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.TeoriCheckoutResponse{
		CheckoutID:        checkout.CheckoutID,
		CheckoutURL:       checkout.CheckoutURL,
		MerchantReference: checkout.MerchantReference,
		IsExisting:        checkout.IsExisting,
	})
}

// StatusPush receives checkout status pushes from the provider.
func (h *TeoriHandler) StatusPush(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	_, err = h.callbacks.HandleStatusPush(c.Request.Context(), signatureHeader(c), c.Query("token"), body)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.Is(err, service.ErrInvalidCallbackToken):
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid callback token"})
		case errors.Is(err, service.ErrInvalidCallback):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		default:
			logger.ErrorContext(c.Request.Context(), err, "Failed to process Teori status push", nil)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process callback"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"CallbackResponse": "received"})
}

// ValidateOrder answers the provider's order validation callback.
func (h *TeoriHandler) ValidateOrder(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"DeclineReason": "InvalidRequest"})
		return
	}

	reason, err := h.callbacks.ValidateOrder(c.Request.Context(), c.Query("token"), body)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCallback) {
			c.JSON(http.StatusBadRequest, gin.H{"DeclineReason": "InvalidRequest"})
			return
		}
		logger.ErrorContext(c.Request.Context(), err, "Failed to validate Teori order", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"DeclineReason": "Other"})
		return
	}
	if reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"DeclineReason": reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{"DeclineReason": nil})
}

// SettingsStatus reports the resolved settings without exposing secrets.
func (h *TeoriHandler) SettingsStatus(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}

	if _, err := h.settings.Resolve(c.Request.Context(), false); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.settingsStatus())
}

// ReloadSettings drops the settings cache and resolves again.
func (h *TeoriHandler) ReloadSettings(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}

	if _, err := h.settings.Resolve(c.Request.Context(), true); err != nil {
		h.writeError(c, err)
		return
	}

	logger.InfoContext(c.Request.Context(), "Teori settings reloaded", map[string]interface{}{"user_id": c.GetUint("user_id")})
	c.JSON(http.StatusOK, h.settingsStatus())
}

// UpdateSettings stores provider settings and returns the reloaded status.
func (h *TeoriHandler) UpdateSettings(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}
	if h.updater == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settings updates are not available"})
		return
	}

	var req updateTeoriSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := h.updater.Update(c.Request.Context(), req.Settings)
	if err != nil {
		var cfgErr *teori.ConfigurationError
		switch {
		case errors.Is(err, service.ErrUnknownSetting), errors.Is(err, service.ErrInvalidCheckoutRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &cfgErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": cfgErr.Error(), "settings": h.settingsStatus()})
		default:
			logger.ErrorContext(c.Request.Context(), err, "Failed to update Teori settings", nil)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update settings"})
		}
		return
	}

	c.JSON(http.StatusOK, h.settingsStatus())
}

// RefreshOrder re-fetches a provider order and reconciles the local mirror.
func (h *TeoriHandler) RefreshOrder(c *gin.Context) {
	if !h.ensureService(c) {
		return
	}

	order, err := h.checkout.RefreshOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *TeoriHandler) settingsStatus() models.TeoriSettingsStatus {
	settings, loadedAt, ttl := h.settings.Snapshot()
	status := models.TeoriSettingsStatus{CacheTTL: ttl.String()}
	if settings == nil {
		return status
	}

	status.Enabled = settings.Enabled
	status.Environment = string(settings.Environment)
	status.APIURL = settings.APIURL
	status.PublicURL = settings.PublicURL
	status.HasAPIKey = settings.APIKey != ""
	status.HasAPISecret = settings.APISecret != ""
	status.HasWebhookSecret = settings.WebhookSecret != ""
	status.RetryAttempts = settings.RetryAttempts
	if !loadedAt.IsZero() {
		status.LoadedAt = &loadedAt
	}
	return status
}

func (h *TeoriHandler) writeError(c *gin.Context, err error) {
	switch {
	case teori.IsUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment method currently unavailable"})
	case errors.Is(err, service.ErrInvalidCheckoutRequest), errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	default:
		logger.ErrorContext(c.Request.Context(), err, "Teori checkout failed", nil)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not start payment, try again"})
	}
}

func signatureHeader(c *gin.Context) string {
	if signature := strings.TrimSpace(c.GetHeader("X-Teori-Signature")); signature != "" {
		return signature
	}
	return strings.TrimSpace(c.GetHeader("X-Signature"))
}
