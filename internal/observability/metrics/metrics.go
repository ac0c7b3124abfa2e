package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	KeyDerivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_key_derivations_total",
			Help: "Conversation key derivations, by outcome (derived, cached, coalesced, failed).",
		},
		[]string{"service", "outcome"},
	)

	KeyDerivationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_key_derivation_duration_seconds",
			Help:    "Duration of conversation key derivations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"service"},
	)

	CryptoOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_ops_total",
			Help: "Encrypt/decrypt operations, by op and outcome.",
		},
		[]string{"service", "op", "outcome"},
	)

	CiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crypto_ciphertext_bytes",
			Help:    "Ciphertext sizes produced and consumed.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "op"},
	)

	MessagesMergedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_merged_total",
			Help: "Messages applied to a timeline, by source (optimistic, ack, history, realtime, poll, cache).",
		},
		[]string{"service", "source"},
	)

	StatusAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_status_anomalies_total",
			Help: "Dropped status regressions detected during merge.",
		},
		[]string{"service"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_cache_evictions_total",
			Help: "Messages evicted from the decrypted-message cache.",
		},
		[]string{"service", "reason"},
	)

	SubscriptionDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_subscription_drops_total",
			Help: "Realtime subscriptions lost and rebuilt.",
		},
		[]string{"service"},
	)

	HistoryFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_fetches_total",
			Help: "Historical page fetches, by trigger (open, poll, page).",
		},
		[]string{"service", "trigger"},
	)

	SendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_send_attempts_total",
			Help: "Message send attempts, by outcome (acked, failed, retried).",
		},
		[]string{"service", "outcome"},
	)

	RealtimeClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connected_clients",
			Help: "Currently connected realtime subscribers.",
		},
		[]string{"service"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	KeyDerivationsTotal = KeyDerivationsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	KeyDerivationDurationSeconds = KeyDerivationDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	CryptoOpsTotal = CryptoOpsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	CiphertextBytes = CiphertextBytes.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	MessagesMergedTotal = MessagesMergedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	StatusAnomaliesTotal = StatusAnomaliesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	CacheEvictionsTotal = CacheEvictionsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	SubscriptionDropsTotal = SubscriptionDropsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HistoryFetchesTotal = HistoryFetchesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	SendAttemptsTotal = SendAttemptsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	RealtimeClients = RealtimeClients.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		KeyDerivationsTotal,
		KeyDerivationDurationSeconds,
		CryptoOpsTotal,
		CiphertextBytes,
		MessagesMergedTotal,
		StatusAnomaliesTotal,
		CacheEvictionsTotal,
		SubscriptionDropsTotal,
		HistoryFetchesTotal,
		SendAttemptsTotal,
		RealtimeClients,
	)
}
