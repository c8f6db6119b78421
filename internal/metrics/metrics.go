package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the queue collectors. All methods are safe on a nil receiver so
// components can run without instrumentation in tests.
type Metrics struct {
	admissionsTotal    prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	transitionErrors   *prometheus.CounterVec
	subscribers        prometheus.Gauge
	subscribersDropped prometheus.Counter
	eventsPublished    prometheus.Counter
	activeRooms        prometheus.Gauge
}

// New registers the collectors on reg. Each clinic instance passes its own registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_queue_admissions_total",
			Help: "Total number of patients admitted into the queue",
		}),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_queue_transitions_total",
				Help: "Total number of applied queue transitions",
			},
			[]string{"action", "to"},
		),
		transitionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_queue_transition_errors_total",
				Help: "Total number of rejected queue transitions",
			},
			[]string{"action", "kind"},
		),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinic_queue_subscribers",
			Help: "Number of live event subscribers",
		}),
		subscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_queue_subscribers_dropped_total",
			Help: "Subscribers disconnected because they could not keep up",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_queue_events_published_total",
			Help: "Total number of transition events fanned out",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinic_queue_active_rooms",
			Help: "Consultation rooms currently held by a called or in-progress entry",
		}),
	}

	reg.MustRegister(
		m.admissionsTotal,
		m.transitionsTotal,
		m.transitionErrors,
		m.subscribers,
		m.subscribersDropped,
		m.eventsPublished,
		m.activeRooms,
	)
	return m
}

func (m *Metrics) Admitted() {
	if m == nil {
		return
	}
	m.admissionsTotal.Inc()
}

func (m *Metrics) Transitioned(action, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(action, to).Inc()
}

func (m *Metrics) TransitionFailed(action, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	m.transitionErrors.WithLabelValues(action, kind).Inc()
}

func (m *Metrics) SubscriberJoined() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberLeft() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}
