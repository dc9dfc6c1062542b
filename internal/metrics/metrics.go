package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_reconnects_total",
		Help: "Reconnection attempts after transport loss.",
	})
	MessagesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_messages_inbound_total",
		Help: "Messages received over the realtime channel.",
	})
	MessagesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_messages_outbound_total",
		Help: "Messages sent over the realtime channel.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_send_failures_total",
		Help: "Outbound messages that failed to acknowledge.",
	})
	ReadReceipts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_read_receipts_total",
		Help: "Read receipts emitted to the server.",
	})
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_connection_state",
		Help: "Current connection status (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
	})
)

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
