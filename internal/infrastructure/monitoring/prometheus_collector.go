package monitoring

import (
	"time"

	"meshroom/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	legsLiveTotal prometheus.Gauge
	roomsTotal    prometheus.Gauge
	roomMembers   *prometheus.GaugeVec

	// Counters
	legsOpenedTotal     prometheus.Counter
	legsClosedTotal     prometheus.Counter
	negotiationFailures prometheus.Counter
	candidatesDropped   prometheus.Counter
	chatMessagesTotal   prometheus.Counter

	// Histograms
	negotiationDuration prometheus.Histogram
	signalingLatency    prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		legsLiveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_legs_live_total",
			Help: "Number of live peer connection legs",
		}),

		roomsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_rooms_total",
			Help: "Number of rooms with at least one member",
		}),

		roomMembers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshroom_room_members",
			Help: "Number of members per room",
		}, []string{"room_id"}),

		legsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_legs_opened_total",
			Help: "Total number of peer connection legs opened",
		}),

		legsClosedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_legs_closed_total",
			Help: "Total number of peer connection legs closed",
		}),

		negotiationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_negotiation_failures_total",
			Help: "Total number of offer/answer negotiations that failed",
		}),

		candidatesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_candidates_dropped_total",
			Help: "Total number of ICE candidates dropped for missing legs",
		}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_chat_messages_total",
			Help: "Total number of chat messages posted",
		}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_negotiation_duration_seconds",
			Help:    "Time from offer received to leg connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		signalingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_signaling_latency_seconds",
			Help:    "Time spent handling one signaling envelope",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// LegOpened, LegClosed, NegotiationFailed and CandidateDropped satisfy the
// peer manager's observer contract.
func (p *PrometheusCollector) LegOpened() {
	p.legsLiveTotal.Inc()
	p.legsOpenedTotal.Inc()
}

func (p *PrometheusCollector) LegClosed() {
	p.legsLiveTotal.Dec()
	p.legsClosedTotal.Inc()
}

func (p *PrometheusCollector) NegotiationFailed() {
	p.negotiationFailures.Inc()
}

func (p *PrometheusCollector) CandidateDropped() {
	p.candidatesDropped.Inc()
}

func (p *PrometheusCollector) RecordChatMessage() {
	p.chatMessagesTotal.Inc()
}

func (p *PrometheusCollector) RecordNegotiationDuration(d time.Duration) {
	p.negotiationDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordSignalingLatency(d time.Duration) {
	p.signalingLatency.Observe(d.Seconds())
}

// UpdateMembership reconciles the room gauges from a membership snapshot.
// A room whose last member left reports zero and is then forgotten.
func (p *PrometheusCollector) UpdateMembership(snap domain.MembershipSnapshot) {
	if len(snap.Users) == 0 {
		p.roomMembers.DeleteLabelValues(string(snap.Room))
		return
	}
	p.roomMembers.WithLabelValues(string(snap.Room)).Set(float64(len(snap.Users)))
}

func (p *PrometheusCollector) SetRoomCount(n int) {
	p.roomsTotal.Set(float64(n))
}
