package payments

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Environment selects which provider deployment requests are sent to.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// ParseEnvironment maps free-form setting values onto an Environment.
// Anything that is not recognisably production is treated as sandbox.
func ParseEnvironment(value string) Environment {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "production", "prod", "live":
		return EnvironmentProduction
	default:
		return EnvironmentSandbox
	}
}

func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

// Customer holds the optional buyer identity forwarded to a checkout.
type Customer struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
}

// IsEmpty reports whether no customer field is set.
func (c Customer) IsEmpty() bool {
	return strings.TrimSpace(c.Email) == "" &&
		strings.TrimSpace(c.Phone) == "" &&
		strings.TrimSpace(c.FirstName) == "" &&
		strings.TrimSpace(c.LastName) == ""
}

// LineItem describes a purchasable item priced in major currency units, VAT included.
type LineItem struct {
	Reference   string
	Description string
	Amount      decimal.Decimal
	Quantity    int64
}
