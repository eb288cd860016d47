package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts postings, rejections and integrity failures. A nil
// *LedgerMetrics is valid and records nothing.
type LedgerMetrics struct {
	postings          *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	retries           *prometheus.CounterVec
	brokenInvariants  prometheus.Counter
	numbersIssued     *prometheus.CounterVec
	settlementsClosed prometheus.Counter
}

// NewLedgerMetrics registers the collectors on registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wif_ledger_postings_total",
			Help: "Ledger entries written, by direction.",
		}, []string{"direction"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wif_ledger_posting_rejections_total",
			Help: "Postings refused, by reason.",
		}, []string{"reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wif_concurrency_retries_total",
			Help: "Units of work retried after losing a lock race, by operation.",
		}, []string{"op"}),
		brokenInvariants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wif_ledger_broken_invariants_total",
			Help: "Integrity violations detected on the ledger.",
		}),
		numbersIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wif_document_numbers_issued_total",
			Help: "Document numbers handed out by the sequencer, by document type.",
		}, []string{"type"}),
		settlementsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wif_settlements_completed_total",
			Help: "Payment vouchers settled by a statement of payment.",
		}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(m.postings, m.rejections, m.retries, m.brokenInvariants, m.numbersIssued, m.settlementsClosed)
	return m
}

// Posted records a written entry.
func (m *LedgerMetrics) Posted(direction string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(direction).Inc()
}

// Rejected records a refused posting.
func (m *LedgerMetrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ConcurrencyRetry records one retry of op.
func (m *LedgerMetrics) ConcurrencyRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// BrokenInvariant records an integrity violation.
func (m *LedgerMetrics) BrokenInvariant() {
	if m == nil {
		return
	}
	m.brokenInvariants.Inc()
}

// NumberIssued records a document number handed out.
func (m *LedgerMetrics) NumberIssued(docType string) {
	if m == nil {
		return
	}
	m.numbersIssued.WithLabelValues(docType).Inc()
}

// SettlementCompleted records a closed voucher.
func (m *LedgerMetrics) SettlementCompleted() {
	if m == nil {
		return
	}
	m.settlementsClosed.Inc()
}
