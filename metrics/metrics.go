// Package metrics exposes Prometheus counters for the acceptance and
// referral flows. A nil *Metrics is a no-op sink, so wiring is optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	acceptCommits   prometheus.Counter
	acceptRollbacks prometheus.Counter
	remoteFailures  *prometheus.CounterVec
	cacheFallbacks  prometheus.Counter
	referralSaves   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		acceptCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteflow_accept_commits_total",
			Help: "Committed quote acceptances.",
		}),
		acceptRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteflow_accept_rollbacks_total",
			Help: "Rejections of previously-accepted quotes.",
		}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteflow_remote_failures_total",
			Help: "Remote store failures by operation.",
		}, []string{"op"}),
		cacheFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteflow_cache_fallbacks_total",
			Help: "Reads served from the local cache because the remote store failed.",
		}),
		referralSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteflow_referral_saves_total",
			Help: "Referral saves by outcome.",
		}, []string{"outcome"}), // remote, local_only
	}
	m.registry.MustRegister(
		m.acceptCommits,
		m.acceptRollbacks,
		m.remoteFailures,
		m.cacheFallbacks,
		m.referralSaves,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AcceptCommitted() {
	if m == nil {
		return
	}
	m.acceptCommits.Inc()
}

func (m *Metrics) AcceptRolledBack() {
	if m == nil {
		return
	}
	m.acceptRollbacks.Inc()
}

func (m *Metrics) RemoteFailure(op string) {
	if m == nil {
		return
	}
	m.remoteFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) CacheFallback() {
	if m == nil {
		return
	}
	m.cacheFallbacks.Inc()
}

func (m *Metrics) ReferralSaved(outcome string) {
	if m == nil {
		return
	}
	m.referralSaves.WithLabelValues(outcome).Inc()
}
