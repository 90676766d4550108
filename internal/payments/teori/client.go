package teori

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"drivingschool-backend/pkg/logger"
	"drivingschool-backend/pkg/retry"
)

const (
	ordersPath            = "/checkout/merchantapi/Orders"
	defaultRequestTimeout = 30 * time.Second
	defaultInitialBackoff = time.Second
	maxLoggedBodyLength   = 2048
	maxResponseBodyBytes  = 64 << 10
)

var tracer = otel.Tracer("drivingschool-backend/internal/payments/teori")

// HTTPDoer is the subset of *http.Client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ClientOptions struct {
	HTTPClient     HTTPDoer
	Timeout        time.Duration
	InitialBackoff time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
	UserAgent      string
}

// Client performs signed merchant API calls with a per-attempt timeout and
// exponential backoff between attempts.
type Client struct {
	httpClient     HTTPDoer
	timeout        time.Duration
	initialBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	userAgent      string
}

func NewClient(opts ClientOptions) *Client {
	client := &Client{
		httpClient:     opts.HTTPClient,
		timeout:        opts.Timeout,
		initialBackoff: opts.InitialBackoff,
		sleep:          opts.Sleep,
		userAgent:      opts.UserAgent,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.timeout <= 0 {
		client.timeout = defaultRequestTimeout
	}
	if client.initialBackoff <= 0 {
		client.initialBackoff = defaultInitialBackoff
	}
	if client.userAgent == "" {
		client.userAgent = "drivingschool-backend/teori-checkout"
	}
	return client
}

// CreateOrder opens a new checkout order.
func (c *Client) CreateOrder(ctx context.Context, settings *Settings, order *CreateOrderRequest) (*CreateOrderResponse, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode teori order: %w", err)
	}

	var response CreateOrderResponse
	if _, err := c.call(ctx, settings, http.MethodPost, ordersPath, payload, &response); err != nil {
		return nil, err
	}
	if response.OrderID == "" {
		return nil, &ProviderAPIError{Kind: KindDecode, Message: "Response missing OrderId"}
	}
	return &response, nil
}

// GetOrder fetches the live state of an order.
func (c *Client) GetOrder(ctx context.Context, settings *Settings, orderID string) (*Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("teori order id is required")
	}

	var order Order
	raw, err := c.call(ctx, settings, http.MethodGet, ordersPath+"/"+url.PathEscape(orderID), nil, &order)
	if err != nil {
		return nil, err
	}
	order.Raw = raw
	return &order, nil
}

func (c *Client) call(ctx context.Context, settings *Settings, method, path string, payload []byte, out interface{}) (json.RawMessage, error) {
	if settings == nil {
		return nil, ErrSignerNotReady
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracer.Start(ctx, "teori.http", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
		attribute.String("teori.environment", string(settings.Environment)),
	))
	defer span.End()

	signer := NewSigner(settings.APISecret)
	endpoint := settings.APIURL + path
	maxAttempts := settings.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryAttempts
	}

	var raw json.RawMessage
	retrier := retry.New(&retry.Config{
		MaxAttempts:     maxAttempts,
		InitialInterval: c.initialBackoff,
		Multiplier:      2,
		Sleep:           c.sleep,
	})

	result := retrier.DoWithCallback(ctx, func(ctx context.Context, attempt int) error {
		fields := map[string]interface{}{
			"method":       method,
			"path":         path,
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		}
		logger.DebugContext(ctx, "Calling Teori API", fields)

		body, err := c.attempt(ctx, signer, settings.APIKey, method, endpoint, payload)
		if err != nil {
			failure := map[string]interface{}{"error": err.Error()}
			var apiErr *ProviderAPIError
			if errors.As(err, &apiErr) && apiErr.Body != "" {
				failure["body"] = truncate(apiErr.Body)
			}
			logger.WarnContext(ctx, "Teori API attempt failed", mergeFields(fields, failure))
			if ctx.Err() != nil || (errors.As(err, &apiErr) && !apiErr.Temporary()) || errors.Is(err, ErrSignerNotReady) {
				return retry.Permanent(err)
			}
			return retry.Retryable(err)
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				logger.ErrorContext(ctx, err, "Teori API returned malformed JSON", mergeFields(fields, map[string]interface{}{
					"body": truncate(string(body)),
				}))
				return retry.Permanent(&ProviderAPIError{Kind: KindDecode, Message: "Invalid JSON response", Body: string(body), Err: err})
			}
		}
		raw = json.RawMessage(body)
		return nil
	}, func(attempt int, err error, next time.Duration) {
		logger.InfoContext(ctx, "Retrying Teori API call", map[string]interface{}{
			"method":       method,
			"path":         path,
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"backoff":      next.String(),
		})
	})

	span.SetAttributes(attribute.Int("teori.attempts", result.Attempts))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		logger.ErrorContext(ctx, result.Err, "Teori API call failed", map[string]interface{}{
			"method":   method,
			"path":     path,
			"attempts": result.Attempts,
		})
		return nil, result.Err
	}
	return raw, nil
}

// attempt performs one signed request and returns the response body of a 2xx answer.
func (c *Client) attempt(ctx context.Context, signer *Signer, apiKey, method, endpoint string, payload []byte) (body []byte, err error) {
	start := time.Now()
	defer func() {
		httpRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, outcomeLabel(err)).Inc()
	}()

	authorization, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
	if err != nil {
		return nil, &ProviderAPIError{Kind: KindTransport, Message: "Invalid request", Err: err}
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, attemptCtx)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, classifyTransportError(err, attemptCtx)
		}
		return nil, &ProviderAPIError{Kind: KindReadBody, Message: "Failed to read response body", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderAPIError{
			Kind:       KindHTTPStatus,
			Message:    "Unexpected response status",
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Body:       string(body),
		}
	}
	return body, nil
}

func classifyTransportError(err error, attemptCtx context.Context) error {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()):
		return &ProviderAPIError{Kind: KindTimeout, Message: "Request timeout", Err: &NetworkError{Kind: NetworkTimeout, Err: err}}
	case errors.As(err, &dnsErr):
		return &ProviderAPIError{Kind: KindNetwork, Message: "Network connectivity issue", Err: &NetworkError{Kind: NetworkDNS, Err: err}}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ProviderAPIError{Kind: KindNetwork, Message: "Network connectivity issue", Err: &NetworkError{Kind: NetworkConnectionRefused, Err: err}}
	default:
		return &ProviderAPIError{Kind: KindTransport, Message: "Request failed", Err: &NetworkError{Kind: NetworkOther, Err: err}}
	}
}

func mergeFields(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// truncate shortens s for log fields without splitting a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= maxLoggedBodyLength {
		return s
	}
	cut := maxLoggedBodyLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
