// Package metrics provides the Prometheus metrics of the kiosk and the
// small HTTP listener that exposes them.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Kiosk contains all Prometheus metrics related to attendance sessions.
// A nil *Kiosk is valid and records nothing.
type Kiosk struct {
	FramesTotal       prometheus.Counter
	FacesDetected     prometheus.Counter
	BlinksTotal       prometheus.Counter
	LiveFacesTotal    prometheus.Counter
	MatchesTotal      *prometheus.CounterVec
	CommitsTotal      *prometheus.CounterVec
	SessionsTotal     *prometheus.CounterVec
	FrameDuration     prometheus.Histogram
	EngineDuration    *prometheus.HistogramVec
	ActiveTracksGauge prometheus.Gauge
}

// NewKiosk creates the kiosk metrics and registers them on registry.
func NewKiosk(registry *prometheus.Registry) (*Kiosk, error) {
	m := &Kiosk{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register kiosk metrics: %w", err)
	}
	return m, nil
}

func (m *Kiosk) initMetrics() {
	m.FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_frames_total",
		Help: "Frames pulled from the capture source.",
	})
	m.FacesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_faces_detected_total",
		Help: "Faces returned by the detector across all frames.",
	})
	m.BlinksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_blinks_total",
		Help: "Confirmed blinks across all tracked faces.",
	})
	m.LiveFacesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_live_faces_total",
		Help: "Faces that passed the liveness check.",
	})
	m.MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_matches_total",
		Help: "Match attempts partitioned by result.",
	}, []string{"result"})
	m.CommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_commits_total",
		Help: "Attendance commits partitioned by outcome.",
	}, []string{"status"})
	m.SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sessions_total",
		Help: "Finished sessions partitioned by termination reason.",
	}, []string{"reason"})
	m.FrameDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollcall_frame_duration_seconds",
		Help:    "Time to process one frame end to end.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
	})
	m.EngineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollcall_engine_duration_seconds",
		Help:    "Face engine request latency.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"op"})
	m.ActiveTracksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_active_tracks",
		Help: "Faces currently tracked.",
	})
}

func (m *Kiosk) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesTotal, m.FacesDetected, m.BlinksTotal, m.LiveFacesTotal,
		m.MatchesTotal, m.CommitsTotal, m.SessionsTotal,
		m.FrameDuration, m.EngineDuration, m.ActiveTracksGauge,
	}
}

// Describe implements prometheus.Collector.
func (m *Kiosk) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Kiosk) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Kiosk) Frame(seconds float64, faces int) {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
	m.FacesDetected.Add(float64(faces))
	m.FrameDuration.Observe(seconds)
}

func (m *Kiosk) Blink() {
	if m == nil {
		return
	}
	m.BlinksTotal.Inc()
}

func (m *Kiosk) Live() {
	if m == nil {
		return
	}
	m.LiveFacesTotal.Inc()
}

func (m *Kiosk) Match(result string) {
	if m == nil {
		return
	}
	m.MatchesTotal.WithLabelValues(result).Inc()
}

func (m *Kiosk) Commit(status string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(status).Inc()
}

func (m *Kiosk) Session(reason string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Kiosk) Engine(op string, seconds float64) {
	if m == nil {
		return
	}
	m.EngineDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Kiosk) Tracks(n int) {
	if m == nil {
		return
	}
	m.ActiveTracksGauge.Set(float64(n))
}
