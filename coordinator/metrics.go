package coordinator

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	// The session was logged in, out or invalidated while the call was out.
	outcomeSuperseded = "superseded"

	resultValid   = "valid"
	resultRenewed = "renewed"
	resultAbsent  = "absent"
	resultFailed  = "failed"
	// Another writer changed the credential between read and publish.
	resultSuperseded = "superseded"
)

type metrics struct {
	renewals   *prometheus.CounterVec
	waiters    prometheus.Counter
	bootstraps *prometheus.CounterVec
}

// newMetrics returns nil when reg is nil; all methods are no-ops on nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsession_renewals_total",
			Help: "Issuer refresh calls by outcome.",
		}, []string{"outcome"}),
		waiters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsession_renewal_waiters_total",
			Help: "Callers that joined a renewal already in flight.",
		}),
		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsession_bootstrap_total",
			Help: "Session validations by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.renewals, m.waiters, m.bootstraps)
	return m
}

func (m *metrics) renewal(outcome string) {
	if m != nil {
		m.renewals.WithLabelValues(outcome).Inc()
	}
}

func (m *metrics) waiter() {
	if m != nil {
		m.waiters.Inc()
	}
}

func (m *metrics) bootstrap(result string) {
	if m != nil {
		m.bootstraps.WithLabelValues(result).Inc()
	}
}
