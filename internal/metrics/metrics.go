package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound message sends by outcome",
		},
		[]string{"outcome"},
	)

	syncPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sync_pages_total",
			Help: "Fetched sync pages by direction",
		},
		[]string{"direction"},
	)

	syncMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_sync_merged_messages_total",
			Help: "Messages merged into the local store by sync",
		},
	)

	pushReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_push_reconnects_total",
			Help: "Websocket reconnect attempts",
		},
	)

	transportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "chatsync_transport_request_seconds",
			Help: "End to end transport request latency",
		},
		[]string{"op"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_respcache_lookups_total",
			Help: "Encrypted response cache lookups by result",
		},
		[]string{"result"},
	)
)

func RecordSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

func RecordSyncPage(direction string) {
	syncPagesTotal.WithLabelValues(direction).Inc()
}

func RecordMerged(n int) {
	syncMergedTotal.Add(float64(n))
}

func RecordPushReconnect() {
	pushReconnectsTotal.Inc()
}

func RecordRequest(op string, duration time.Duration) {
	transportRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}
