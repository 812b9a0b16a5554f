package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultDelivered = "delivered"
	ResultOffline   = "offline"
	ResultFailed    = "failed"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	envelopes         *prometheus.CounterVec
	messagesPersisted prometheus.Counter
	persistFailures   prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registerer: reg,
		gatherer:   gatherer,
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recipebox_envelopes_total",
			Help: "Realtime envelopes by event and delivery result",
		}, []string{"event", "result"}),
		messagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "recipebox_chat_messages_persisted_total",
			Help: "Chat messages durably appended",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "recipebox_chat_persist_failures_total",
			Help: "Chat appends that failed at the store",
		}),
	}
}

// ObserveOnline exports count as the number of identities bound to a live connection.
func (m *Metrics) ObserveOnline(count func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recipebox_online_users",
		Help: "Identities currently bound to a live connection",
	}, func() float64 { return float64(count()) })
}

func (m *Metrics) Envelope(event, result string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(event, result).Inc()
}

func (m *Metrics) MessagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) Handler() gin.HandlerFunc {
	var h http.Handler = promhttp.Handler()
	if m != nil && m.gatherer != nil {
		h = promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return gin.WrapH(h)
}

// EnvelopeCounter exposes one envelope series, mainly for tests.
func (m *Metrics) EnvelopeCounter(event, result string) prometheus.Counter {
	return m.envelopes.WithLabelValues(event, result)
}

func (m *Metrics) PersistFailureCounter() prometheus.Counter {
	return m.persistFailures
}

func (m *Metrics) PersistedCounter() prometheus.Counter {
	return m.messagesPersisted
}
