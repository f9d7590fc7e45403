package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orbitalctf"

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flag_submissions_total",
		Help:      "Flag submissions by outcome.",
	}, []string{"outcome"})

	hintPurchases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hint_purchases_total",
		Help:      "Hint purchase attempts by outcome.",
	}, []string{"outcome"})

	ledgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_appends_total",
		Help:      "Committed ledger entries by reason.",
	}, []string{"reason"})

	ledgerTx = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_tx_duration_seconds",
		Help:      "Duration of ledger transactions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"store", "result"})

	eventFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_handler_failures_total",
		Help:      "Event handler errors and panics by event name.",
	}, []string{"event"})
)

// Submission outcomes.
const (
	OutcomeCorrect   = "correct"
	OutcomeWrong     = "wrong"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomePurchased = "purchased"
	OutcomeOwned     = "owned"
)

func CountSubmission(outcome string) {
	submissions.WithLabelValues(outcome).Inc()
}

func CountHintPurchase(outcome string) {
	hintPurchases.WithLabelValues(outcome).Inc()
}

func CountLedgerAppend(reason string) {
	ledgerAppends.WithLabelValues(reason).Inc()
}

func ObserveLedgerTx(store string, start time.Time, err error) {
	result := "commit"
	if err != nil {
		result = "rollback"
	}
	ledgerTx.WithLabelValues(store, result).Observe(time.Since(start).Seconds())
}

func CountEventFailure(event string) {
	eventFailures.WithLabelValues(event).Inc()
}
