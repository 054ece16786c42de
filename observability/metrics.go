package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics groups the operational counters recorded by the settlement
// node and RPC server.
type MarketMetrics struct {
	OrdersCreated prometheus.Counter
	OrdersFilled  prometheus.Counter
	OrdersClosed  prometheus.Counter
	Withdrawals   prometheus.Counter
	RPCRequests   *prometheus.CounterVec
	RPCErrors     *prometheus.CounterVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Metrics returns the lazily-initialised metrics registry used to record
// settlement activity.
func Metrics() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Name:      "orders_created_total",
				Help:      "Number of purchase orders created.",
			}),
			OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Name:      "orders_filled_total",
				Help:      "Number of purchase orders settled.",
			}),
			OrdersClosed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Name:      "orders_closed_total",
				Help:      "Number of purchase orders cancelled by their buyer.",
			}),
			Withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Name:      "wallet_withdrawals_total",
				Help:      "Number of successful wallet withdrawals.",
			}),
			RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Name:      "rpc_requests_total",
				Help:      "JSON-RPC requests by method.",
			}, []string{"method"}),
			RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Name:      "rpc_errors_total",
				Help:      "JSON-RPC error responses by method.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			marketRegistry.OrdersCreated,
			marketRegistry.OrdersFilled,
			marketRegistry.OrdersClosed,
			marketRegistry.Withdrawals,
			marketRegistry.RPCRequests,
			marketRegistry.RPCErrors,
		)
	})
	return marketRegistry
}
