// Package api exposes a lightweight HTTP management API for external
// integrations.
//
// Endpoints
//
//	GET /pool      Aggregate pool occupancy (available, leased, evicted).
//	GET /origins   List active Host Coordinators.
//	GET /metrics   Prometheus metrics (pool size, retries, sessions retired).
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drsoft-oss/webber/internal/pool"
)

// OriginSnapshot is a serialisable snapshot of one Host Coordinator.
type OriginSnapshot struct {
	Origin string `json:"origin"`
}

// StatsSource is satisfied by the façade: the set of origins it has built a
// Host Coordinator for, plus its lifetime session-retirement count. Kept as
// a narrow interface so this package never imports the root webber package;
// the two are wired together at the cmd layer.
type StatsSource interface {
	Origins() []string
	SessionsRetired() int64
}

// Metrics bundles the Prometheus collectors for the façade. Pool occupancy
// and session-retirement counts are read straight off the live components
// via GaugeFunc/CounterFunc; only the per-class retry counter needs an
// explicit increment, fed through Webber.SetRetryObserver.
type Metrics struct {
	RetriesByClass *prometheus.CounterVec
}

// NewMetrics registers the façade's collectors against reg, bound to the
// live pool and façade state.
func NewMetrics(reg prometheus.Registerer, p *pool.Pool, src StatsSource) *Metrics {
	m := &Metrics{
		RetriesByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webber", Subsystem: "retry", Name: "attempts_total",
			Help: "Retry attempts, labelled by failure class.",
		}, []string{"class"}),
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "webber", Subsystem: "pool", Name: "size",
			Help: "Proxies currently tracked by the pool (available + leased).",
		}, func() float64 {
			s := p.Stats()
			return float64(s.Available + s.Leased)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "webber", Subsystem: "pool", Name: "leased",
			Help: "Proxies currently leased.",
		}, func() float64 { return float64(p.Stats().Leased) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "webber", Subsystem: "pool", Name: "evictions_total",
			Help: "Proxies evicted for exceeding max_bad_responses.",
		}, func() float64 { return float64(p.Stats().Evicted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "webber", Subsystem: "session", Name: "retired_total",
			Help: "Sessions retired (budget exhausted, hard failure, or shutdown).",
		}, func() float64 { return float64(src.SessionsRetired()) }),
		m.RetriesByClass,
	)
	return m
}

// Server is the management API HTTP server.
type Server struct {
	pool    *pool.Pool
	origins StatsSource
	server  *http.Server
}

// New builds the management API server bound to addr.
func New(addr string, p *pool.Pool, origins StatsSource, reg *prometheus.Registry) *Server {
	s := &Server{pool: p, origins: origins}

	mux := http.NewServeMux()
	mux.HandleFunc("/pool", s.handlePool)
	mux.HandleFunc("/origins", s.handleOrigins)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server.
func (s *Server) Stop() error {
	return s.server.Close()
}

// handlePool reports the pool's current occupancy. The Pool does not expose
// per-proxy enumeration (callers never see individual proxy identities
// outside lease/release), so this reports aggregate state only.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.pool.Stats()
	jsonOK(w, map[string]any{
		"available": stats.Available,
		"leased":    stats.Leased,
		"evicted":   stats.Evicted,
		"empty":     s.pool.Empty(),
	})
}

// handleOrigins lists every origin the façade has built a Host Coordinator
// for.
func (s *Server) handleOrigins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var snapshots []OriginSnapshot
	for _, o := range s.origins.Origins() {
		snapshots = append(snapshots, OriginSnapshot{Origin: o})
	}
	jsonOK(w, snapshots)
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}
