// Package metrics exposes Prometheus collectors for the cashback workflow
// and builds the admin dashboard aggregates.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eliteacai/cashback-engine/ledger"
)

const namespace = "cashback"

// Workflow counts workflow outcomes. A nil *Workflow records nothing.
type Workflow struct {
	operations *prometheus.CounterVec
	cashback   *prometheus.CounterVec
	notifyFail *prometheus.CounterVec
}

// NewWorkflow registers the workflow counters on reg.
func NewWorkflow(reg prometheus.Registerer) *Workflow {
	if reg == nil {
		return &Workflow{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Workflow operations by name and outcome.",
	}, []string{"operation", "outcome"})
	cashback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "amount_total",
		Help:      "Cashback amounts moved, in reais, by direction.",
	}, []string{"direction"})
	notifyFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_failures_total",
		Help:      "Notifications that failed to enqueue or deliver.",
	}, []string{"event"})
	reg.MustRegister(operations, cashback, notifyFail)
	return &Workflow{
		operations: operations,
		cashback:   cashback,
		notifyFail: notifyFail,
	}
}

// Observe records the outcome of operation derived from err.
func (w *Workflow) Observe(operation string, err error) {
	if w == nil || w.operations == nil {
		return
	}
	w.operations.WithLabelValues(normalizeLabel(operation), Outcome(err)).Inc()
}

// AddAccrued records cashback credited on approval.
func (w *Workflow) AddAccrued(amount float64) {
	if w == nil || w.cashback == nil {
		return
	}
	w.cashback.WithLabelValues("accrued").Add(amount)
}

// AddRedeemed records cashback debited by a redemption.
func (w *Workflow) AddRedeemed(amount float64) {
	if w == nil || w.cashback == nil {
		return
	}
	w.cashback.WithLabelValues("redeemed").Add(amount)
}

func (w *Workflow) IncNotifyFailure(event string) {
	if w == nil || w.notifyFail == nil {
		return
	}
	w.notifyFail.WithLabelValues(normalizeLabel(event)).Inc()
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrValidation):
		return "invalid"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrUnavailable):
		return "unavailable"
	}
	var labeled interface{ OutcomeLabel() string }
	if errors.As(err, &labeled) {
		return labeled.OutcomeLabel()
	}
	return "error"
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
