package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation counters, labelled by operation name, plus rejection counters
// labelled by the stable error kind.
var (
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ubi",
		Name:      "operations_total",
		Help:      "Completed ledger operations by name.",
	}, []string{"op"})

	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ubi",
		Name:      "operation_errors_total",
		Help:      "Rejected ledger operations by name and error kind.",
	}, []string{"op", "kind"})
)
