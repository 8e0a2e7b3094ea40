package circuitbreaker

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentd_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// MetricsCollector tracks registered breakers and exports their metrics
type MetricsCollector struct {
	breakers map[string]*Breaker
	mutex    sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		breakers: make(map[string]*Breaker),
	}
}

// Register wires a breaker into metrics export and transition counting
func (mc *MetricsCollector) Register(name, service string, b *Breaker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	mc.breakers[service+":"+name] = b

	original := b.config.OnStateChange
	b.config.OnStateChange = func(bName string, from State, to State) {
		if original != nil {
			original(bName, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
}

// RecordRequest records a request attempt through a breaker
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Collector is the process-wide metrics collector
var Collector = NewMetricsCollector()

// StartMetricsCollection periodically refreshes the state gauges so a
// breaker that never transitions still reports its state.
func StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			Collector.mutex.RLock()
			for key, b := range Collector.breakers {
				service, name, _ := strings.Cut(key, ":")
				breakerState.WithLabelValues(name, service).Set(float64(b.State()))
			}
			Collector.mutex.RUnlock()
		}
	}()
}
