package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TeoriOrder mirrors a checkout order opened with the Teori merchant API.
type TeoriOrder struct {
	ID                     uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalBookingID      *string         `gorm:"size:191;index" json:"external_booking_id,omitempty"`
	ProviderOrderID        string          `gorm:"size:64;not null;uniqueIndex" json:"provider_order_id"`
	MerchantReference      string          `gorm:"size:25;not null;index" json:"merchant_reference"`
	Amount                 decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	PaymentLink            *string         `gorm:"type:text" json:"payment_link,omitempty"`
	Environment            string          `gorm:"size:16;not null" json:"environment"`
	Status                 string          `gorm:"size:64;index" json:"status"`
	CallbackToken          *string         `gorm:"size:128" json:"-"`
	CallbackTokenExpiresAt *time.Time      `json:"-"`
	LastPayload            datatypes.JSON  `gorm:"type:jsonb" json:"last_payload,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	LastStatusCheck        *time.Time      `gorm:"index" json:"last_status_check,omitempty"`
}

func (o *TeoriOrder) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// TeoriOrderUpdate carries the fields refreshed from a live provider order.
type TeoriOrderUpdate struct {
	Status      string
	PaymentLink *string
	Payload     datatypes.JSON
	CheckedAt   time.Time
}

type TeoriCheckoutRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	Reference         string          `json:"reference" binding:"required,max=191"`
	Description       string          `json:"description" binding:"omitempty,max=255"`
	ReturnURL         string          `json:"returnUrl" binding:"omitempty,url"`
	CustomerEmail     string          `json:"customerEmail" binding:"omitempty,email"`
	CustomerPhone     string          `json:"customerPhone" binding:"omitempty,phone"`
	CustomerFirstName string          `json:"customerFirstName" binding:"omitempty,max=100,no_html"`
	CustomerLastName  string          `json:"customerLastName" binding:"omitempty,max=100,no_html"`
	ExternalBookingID *string         `json:"externalBookingId,omitempty" binding:"omitempty,max=191"`
}

type TeoriCheckoutResponse struct {
	CheckoutID        string `json:"checkoutId"`
	CheckoutURL       string `json:"checkoutUrl"`
	MerchantReference string `json:"merchantReference"`
	IsExisting        bool   `json:"isExisting"`
}

type TeoriSettingsStatus struct {
	Enabled          bool       `json:"enabled"`
	Environment      string     `json:"environment"`
	APIURL           string     `json:"api_url"`
	PublicURL        string     `json:"public_url,omitempty"`
	HasAPIKey        bool       `json:"has_api_key"`
	HasAPISecret     bool       `json:"has_api_secret"`
	HasWebhookSecret bool       `json:"has_webhook_secret"`
	RetryAttempts    int        `json:"retry_attempts"`
	CacheTTL         string     `json:"cache_ttl"`
	LoadedAt         *time.Time `json:"loaded_at,omitempty"`
}
