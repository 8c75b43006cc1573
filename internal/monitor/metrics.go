package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modbus_monitor",
		Name:      "reads_total",
		Help:      "Successful poll cycles since process start.",
	})

	readErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modbus_monitor",
		Name:      "read_errors_total",
		Help:      "Failed poll cycles since process start, by error class.",
	}, []string{"reason"})

	alertsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modbus_monitor",
		Name:      "alerts_fired_total",
		Help:      "Alert events fired since process start, by kind.",
	}, []string{"kind"})

	droppedUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modbus_monitor",
		Name:      "dropped_updates_total",
		Help:      "Broadcast updates discarded because a subscriber lagged.",
	})

	storageErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modbus_monitor",
		Name:      "storage_errors_total",
		Help:      "History writes that failed and were logged instead.",
	})

	connectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modbus_monitor",
		Name:      "connected",
		Help:      "1 while the device link is connected, 0 otherwise.",
	})
)

// StorageErrorsInc is called by the history writer when a persistence
// attempt fails; the sample is logged and dropped, never retried into
// the poll path.
func StorageErrorsInc() {
	storageErrorsTotal.Inc()
}
