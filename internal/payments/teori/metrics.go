package teori

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teori",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Merchant API request attempts partitioned by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teori",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of merchant API request attempts.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	checkoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teori",
			Name:      "checkout_total",
			Help:      "Checkout reconciliation results.",
		},
		[]string{"result"},
	)
)

const (
	CheckoutCreated   = "created"
	CheckoutExisting  = "existing"
	CheckoutRecovered = "recovered"
	CheckoutFailed    = "failed"
)

// RecordCheckout counts one reconciliation outcome.
func RecordCheckout(result string) {
	checkoutTotal.WithLabelValues(result).Inc()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if apiErr, ok := err.(*ProviderAPIError); ok {
		return string(apiErr.Kind)
	}
	return "error"
}
