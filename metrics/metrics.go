// Package metrics exposes prometheus collectors for the connection pool and
// the send pipeline, registered manually through MustRegister rather than
// through promauto.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	// PoolLabel identifies which named pool (host:port) a metric belongs to.
	PoolLabel = "pool"
	// MechanismLabel identifies the SASL mechanism a metric belongs to.
	MechanismLabel = "mechanism"
	// KindLabel carries the mailerr.Kind string of a failed operation.
	KindLabel = "kind"
)

// Collectors groups every metric registered by a MailClient. Callers that
// don't want prometheus integration can simply not register it; every
// recording call on a nil *Collectors is a no-op.
type Collectors struct {
	LiveConnections *prometheus.GaugeVec
	IdleConnections *prometheus.GaugeVec
	SendsTotal      *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec
	DkimSignTotal   *prometheus.CounterVec
	AuthAttempts    *prometheus.CounterVec
}

// NewCollectors constructs a fresh, unregistered set of collectors.
func NewCollectors() *Collectors {
	return &Collectors{
		LiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dkimsmtp",
			Name:      "pool_live_connections",
			Help:      "Number of connections currently held by the pool, idle or checked out.",
		}, []string{PoolLabel}),
		IdleConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dkimsmtp",
			Name:      "pool_idle_connections",
			Help:      "Number of connections currently idle and available for acquire.",
		}, []string{PoolLabel}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkimsmtp",
			Name:      "sends_total",
			Help:      "Number of messages successfully handed off to the DATA terminator.",
		}, []string{PoolLabel}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkimsmtp",
			Name:      "send_failures_total",
			Help:      "Number of send attempts that failed, labelled by mailerr.Kind.",
		}, []string{PoolLabel, KindLabel}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dkimsmtp",
			Name:      "send_duration_seconds",
			Help:      "Wall-clock duration of a complete MailClient.Send call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{PoolLabel}),
		DkimSignTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkimsmtp",
			Name:      "dkim_sign_total",
			Help:      "Number of DKIM-Signature headers produced, labelled by the signing domain.",
		}, []string{"sdid"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkimsmtp",
			Name:      "auth_attempts_total",
			Help:      "Number of SASL authentication attempts, labelled by mechanism.",
		}, []string{MechanismLabel}),
	}
}

// MustRegister registers every collector with reg. Panics on duplicate
// registration, matching promauto's fail-fast convention.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	if c == nil {
		return
	}
	reg.MustRegister(
		c.LiveConnections,
		c.IdleConnections,
		c.SendsTotal,
		c.SendFailures,
		c.SendDuration,
		c.DkimSignTotal,
		c.AuthAttempts,
	)
}
