// Registers:
//
//	#fillrelay_delivered_total
//	#fillrelay_duplicates_total
//	#fillrelay_delivery_errors_total
//	#fillrelay_parse_errors_total
//	#fillrelay_reconnects_total
//	#fillrelay_poll_errors_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fillrelay/logger"
)

var (
	once           sync.Once
	delivered      *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	deliveryErrors prometheus.Counter
	parseErrors    prometheus.Counter
	reconnects     prometheus.Counter
	pollErrors     *prometheus.CounterVec
)

func Init(addr string) {
	once.Do(func() {
		delivered = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fillrelay_delivered_total",
				Help: "Number of events forwarded to the delivery sink",
			},
			[]string{"source"},
		)

		duplicates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fillrelay_duplicates_total",
				Help: "Number of events suppressed by the dedup cache",
			},
			[]string{"source"},
		)

		deliveryErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillrelay_delivery_errors_total",
			Help: "Number of failed sink deliveries",
		})

		parseErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillrelay_parse_errors_total",
			Help: "Number of inbound frames dropped as unparseable",
		})

		reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillrelay_reconnects_total",
			Help: "Number of stream reconnects scheduled",
		})

		pollErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fillrelay_poll_errors_total",
				Help: "Number of failed per-account poll queries",
			},
			[]string{"address"},
		)

		_ = prometheus.Register(delivered)
		_ = prometheus.Register(duplicates)
		_ = prometheus.Register(deliveryErrors)
		_ = prometheus.Register(parseErrors)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(pollErrors)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server exited")
			}
		}()
	})
}

// IncrementDelivered increases the delivered counter for a source path.
func IncrementDelivered(source string) {
	if delivered != nil {
		delivered.WithLabelValues(source).Inc()
	}
}

// IncrementDuplicate increases the duplicate counter for a source path.
func IncrementDuplicate(source string) {
	if duplicates != nil {
		duplicates.WithLabelValues(source).Inc()
	}
}

func IncrementDeliveryError() {
	if deliveryErrors != nil {
		deliveryErrors.Inc()
	}
}

func IncrementParseError() {
	if parseErrors != nil {
		parseErrors.Inc()
	}
}

func IncrementReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

func IncrementPollError(address string) {
	if pollErrors != nil {
		pollErrors.WithLabelValues(address).Inc()
	}
}
