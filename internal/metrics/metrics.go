// Package metrics exports service counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "genesis"

// Recorder holds every counter. A nil *Recorder records nothing.
type Recorder struct {
	gatherer          prometheus.Gatherer
	ledgerOperations  *prometheus.CounterVec
	webhookResponses  *prometheus.CounterVec
	generations       *prometheus.CounterVec
	checkouts         *prometheus.CounterVec
	reconciledRecords *prometheus.CounterVec
}

// NewRecorder registers the counters on reg. A nil reg gets a private registry.
func NewRecorder(namespace string, reg *prometheus.Registry) (*Recorder, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	recorder := &Recorder{
		gatherer: reg,
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		webhookResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_responses_total",
			Help:      "Payment webhook responses by HTTP status code.",
		}, []string{"code"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Content generation requests by outcome.",
		}, []string{"outcome"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Checkout session creation attempts by package and outcome.",
		}, []string{"package", "outcome"}),
		reconciledRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_checkouts_total",
			Help:      "Pending checkouts visited by reconciliation, by outcome.",
		}, []string{"outcome"}),
	}
	for _, vec := range []**prometheus.CounterVec{
		&recorder.ledgerOperations,
		&recorder.webhookResponses,
		&recorder.generations,
		&recorder.checkouts,
		&recorder.reconciledRecords,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if !errors.As(err, &alreadyRegistered) {
			return nil, fmt.Errorf("register go collector: %w", err)
		}
	}
	return recorder, nil
}

// Handler serves the registry in the Prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	if recorder == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(recorder.gatherer, promhttp.HandlerOpts{})
}

func (recorder *Recorder) LedgerOperation(operation string, status string) {
	if recorder == nil {
		return
	}
	recorder.ledgerOperations.WithLabelValues(operation, status).Inc()
}

func (recorder *Recorder) WebhookResponse(code int) {
	if recorder == nil {
		return
	}
	recorder.webhookResponses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (recorder *Recorder) Generation(outcome string) {
	if recorder == nil {
		return
	}
	recorder.generations.WithLabelValues(outcome).Inc()
}

func (recorder *Recorder) Checkout(packageID string, outcome string) {
	if recorder == nil {
		return
	}
	recorder.checkouts.WithLabelValues(packageID, outcome).Inc()
}

func (recorder *Recorder) Reconciled(outcome string) {
	if recorder == nil {
		return
	}
	recorder.reconciledRecords.WithLabelValues(outcome).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			if existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register metric: %w", err)
	}
	return vec, nil
}
