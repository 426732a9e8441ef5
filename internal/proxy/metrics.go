package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3proxy",
			Name:      "requests_total",
			Help:      "Number of proxied requests.",
		}, []string{"method", "status"})

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "s3proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied requests, including the upstream round trip.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"})

	credentialRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3proxy",
			Name:      "credential_refresh_total",
			Help:      "Number of credential refresh attempts, by outcome.",
		}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, credentialRefreshTotal)
}

// ObserveCredentialRefresh is passed to awscreds.WithRefreshObserver so
// refresh outcomes surface on /metrics alongside request metrics.
func ObserveCredentialRefresh(outcome string) {
	credentialRefreshTotal.WithLabelValues(outcome).Inc()
}
