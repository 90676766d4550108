package teori

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"drivingschool-backend/internal/payments"
	"drivingschool-backend/pkg/validator"
)

const (
	Currency = "SEK"
	Country  = "SE"
	Language = "sv-se"
	VatRate  = 25

	PushPath     = "/api/v1/payments/teori/push"
	ValidatePath = "/api/v1/payments/teori/validate"
)

var vatDivisor = decimal.RequireFromString("1.25")

// OrderID accepts the provider's order id as either a JSON number or string.
type OrderID string

func (id *OrderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = OrderID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid order id %s: %w", data, err)
	}
	*id = OrderID(n.String())
	return nil
}

func (id OrderID) String() string {
	return string(id)
}

type OrderItem struct {
	MerchantReference  string      `json:"MerchantReference"`
	Description        string      `json:"Description"`
	Type               string      `json:"Type"`
	Quantity           int64       `json:"Quantity"`
	PricePerItemIncVat json.Number `json:"PricePerItemIncVat"`
	PricePerItemExVat  json.Number `json:"PricePerItemExVat"`
	VatRate            int         `json:"VatRate"`
}

type CustomerInfo struct {
	Email        string `json:"Email,omitempty"`
	MobileNumber string `json:"MobileNumber,omitempty"`
	FirstName    string `json:"FirstName,omitempty"`
	LastName     string `json:"LastName,omitempty"`
}

type PaymentMethod struct {
	Method string `json:"Method"`
}

type CreateOrderRequest struct {
	MerchantApiKey                string          `json:"MerchantApiKey"`
	MerchantReference             string          `json:"MerchantReference"`
	Currency                      string          `json:"Currency"`
	Country                       string          `json:"Country"`
	Language                      string          `json:"Language"`
	MerchantTermsUrl              string          `json:"MerchantTermsUrl"`
	MerchantConfirmationUrl       string          `json:"MerchantConfirmationUrl"`
	MerchantCheckoutStatusPushUrl string          `json:"MerchantCheckoutStatusPushUrl"`
	MerchantOrderValidationUrl    string          `json:"MerchantOrderValidationUrl"`
	PaymentMethods                []PaymentMethod `json:"PaymentMethods,omitempty"`
	OrderItems                    []OrderItem     `json:"OrderItems"`
	Customer                      *CustomerInfo   `json:"Customer,omitempty"`
}

type CreateOrderResponse struct {
	OrderID     OrderID `json:"OrderId"`
	PaymentLink string  `json:"PaymentLink"`
}

// Order is the live provider view of a checkout order.
type Order struct {
	OrderID                OrderID         `json:"OrderId"`
	MerchantReference      string          `json:"MerchantReference"`
	PaymentLink            string          `json:"PaymentLink"`
	Status                 string          `json:"Status"`
	CustomerCheckoutStatus string          `json:"CustomerCheckoutStatus"`
	TotalPrice             json.Number     `json:"TotalPrice,omitempty"`
	Raw                    json.RawMessage `json:"-"`
}

// CurrentStatus prefers the customer checkout status when the provider sends both.
func (o *Order) CurrentStatus() string {
	if status := strings.TrimSpace(o.CustomerCheckoutStatus); status != "" {
		return status
	}
	return strings.TrimSpace(o.Status)
}

// OrderInput is the provider-independent description of a checkout.
type OrderInput struct {
	MerchantReference string
	Item              payments.LineItem
	ReturnURL         string
	CallbackToken     string
	Customer          payments.Customer
}

// NewCreateOrderRequest builds the order body. Callback URLs are derived
// from the public URL, which must therefore be configured.
func NewCreateOrderRequest(settings *Settings, input OrderInput) (*CreateOrderRequest, error) {
	if settings.PublicURL == "" {
		return nil, &ConfigurationError{Reason: "public URL is required for callback URLs"}
	}
	if !input.Item.Amount.IsPositive() {
		return nil, fmt.Errorf("teori order amount must be positive, got %s", input.Item.Amount)
	}

	base := settings.PublicURL
	token := url.QueryEscape(input.CallbackToken)

	termsURL := settings.TermsURL
	if termsURL == "" {
		termsURL = base + "/terms"
	}
	confirmationURL := strings.TrimSpace(input.ReturnURL)
	if confirmationURL == "" {
		confirmationURL = base + "/checkout/confirmation?ref=" + url.QueryEscape(input.MerchantReference)
	}

	description := validator.NormalizeText(input.Item.Description)
	if description == "" {
		description = input.MerchantReference
	}
	quantity := input.Item.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	req := &CreateOrderRequest{
		MerchantApiKey:                settings.APIKey,
		MerchantReference:             input.MerchantReference,
		Currency:                      Currency,
		Country:                       Country,
		Language:                      Language,
		MerchantTermsUrl:              termsURL,
		MerchantConfirmationUrl:       confirmationURL,
		MerchantCheckoutStatusPushUrl: base + PushPath + "?token=" + token,
		MerchantOrderValidationUrl:    base + ValidatePath + "?token=" + token,
		OrderItems: []OrderItem{{
			MerchantReference:  input.MerchantReference,
			Description:        description,
			Type:               "Product",
			Quantity:           quantity,
			PricePerItemIncVat: IncVat(input.Item.Amount),
			PricePerItemExVat:  ExVat(input.Item.Amount),
			VatRate:            VatRate,
		}},
	}

	for _, method := range settings.PaymentMethods {
		req.PaymentMethods = append(req.PaymentMethods, PaymentMethod{Method: method})
	}

	if !input.Customer.IsEmpty() {
		req.Customer = &CustomerInfo{
			Email:        strings.TrimSpace(input.Customer.Email),
			MobileNumber: strings.TrimSpace(input.Customer.Phone),
			FirstName:    validator.NormalizeText(input.Customer.FirstName),
			LastName:     validator.NormalizeText(input.Customer.LastName),
		}
	}

	return req, nil
}

// IncVat renders the VAT-inclusive unit price in SEK major units.
func IncVat(amount decimal.Decimal) json.Number {
	return json.Number(amount.Round(2).String())
}

// ExVat derives the VAT-exclusive unit price at the fixed 25% rate.
func ExVat(amount decimal.Decimal) json.Number {
	return json.Number(amount.Div(vatDivisor).Round(2).StringFixed(2))
}
