package user

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "account_auth_attempts_total",
		Help: "Account operations by operation and outcome kind",
	}, []string{"operation", "outcome"})

	HashDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "account_password_hash_duration_seconds",
		Help:    "Time spent hashing or verifying passwords",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"op"})

	registerOnce sync.Once
)

// RegisterMetrics adds the account collectors to the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(AuthAttempts, HashDuration)
	})
}

func observeOutcome(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	AuthAttempts.WithLabelValues(operation, outcome).Inc()
}
