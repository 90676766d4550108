package teori

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrServiceDisabled is returned when the provider is switched off in settings.
	ErrServiceDisabled = errors.New("teori checkout is disabled")
	// ErrSignerNotReady is returned when signing is attempted without resolved credentials.
	ErrSignerNotReady = errors.New("teori request signer is not initialised")
)

const orderAlreadyExistsCode = "ORDER_ALREADY_EXISTS"

// ConfigurationError reports missing or invalid provider settings.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "teori configuration error: " + e.Reason
}

// ErrorKind classifies a ProviderAPIError.
type ErrorKind string

const (
	KindHTTPStatus ErrorKind = "http_status"
	KindTimeout    ErrorKind = "timeout"
	KindNetwork    ErrorKind = "network"
	KindTransport  ErrorKind = "transport"
	KindReadBody   ErrorKind = "read_body"
	KindDecode     ErrorKind = "decode"
)

// ProviderAPIError is returned for non-2xx responses, unreadable bodies and
// transport failures of the merchant API.
type ProviderAPIError struct {
	Kind       ErrorKind
	Message    string
	Status     int
	StatusText string
	Body       string
	Err        error
}

func (e *ProviderAPIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("teori api: %s (status %d)", e.Message, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("teori api: %s: %v", e.Message, e.Err)
	}
	return "teori api: " + e.Message
}

func (e *ProviderAPIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the request may succeed.
func (e *ProviderAPIError) Temporary() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindTransport:
		return true
	case KindHTTPStatus:
		return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// ErrorCode extracts the provider's ErrorCode field from the response body.
func (e *ProviderAPIError) ErrorCode() string {
	if strings.TrimSpace(e.Body) == "" {
		return ""
	}
	var payload struct {
		ErrorCode    string `json:"ErrorCode"`
		ErrorMessage string `json:"ErrorMessage"`
	}
	if err := json.Unmarshal([]byte(e.Body), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.ErrorCode)
}

// IsOrderAlreadyExists reports whether err is the provider's duplicate
// merchant reference response.
func IsOrderAlreadyExists(err error) bool {
	var apiErr *ProviderAPIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindHTTPStatus {
		return false
	}
	if strings.EqualFold(apiErr.ErrorCode(), orderAlreadyExistsCode) {
		return true
	}
	// Some error payloads are not JSON; fall back to the raw marker.
	return strings.Contains(strings.ToUpper(apiErr.Body), orderAlreadyExistsCode)
}

// NetworkKind classifies low level transport failures.
type NetworkKind string

const (
	NetworkDNS               NetworkKind = "dns"
	NetworkConnectionRefused NetworkKind = "connection_refused"
	NetworkTimeout           NetworkKind = "timeout"
	NetworkOther             NetworkKind = "other"
)

// NetworkError is the cause wrapped by transport-kind ProviderAPIErrors.
type NetworkError struct {
	Kind NetworkKind
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the provider cannot be used at all
// (disabled or misconfigured) as opposed to a failed request.
func IsUnavailable(err error) bool {
	var cfgErr *ConfigurationError
	return errors.Is(err, ErrServiceDisabled) || errors.As(err, &cfgErr)
}
