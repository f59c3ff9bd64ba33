package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the small set of gauges/counters that make the
// permissive window-refill policy and ledger-sync progress observable in
// production — addressing the design note's "production tuning likely
// wants this configurable" with something operators can actually watch.
type Metrics struct {
	OpenStreams    prometheus.Gauge
	FramesParsed   prometheus.Counter
	WindowRefills  prometheus.Counter
	PendingBytes   prometheus.Gauge
	LedgerPhase    prometheus.Gauge
	ConnErrors     *prometheus.CounterVec
}

// NewMetrics registers this node's metrics against a dedicated registry
// (never the global default, so multiple nodes in one process/test binary
// don't collide).
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		OpenStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yamux_open_streams", Help: "Currently open Yamux streams across all sessions.",
		}),
		FramesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yamux_frames_parsed_total", Help: "Frames successfully decoded off the wire.",
		}),
		WindowRefills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yamux_window_refills_total", Help: "Proactive WindowUpdate frames emitted by the permissive refill policy.",
		}),
		PendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yamux_pending_outgoing_bytes", Help: "Bytes currently queued in per-stream pending buffers.",
		}),
		LedgerPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_sync_phase", Help: "Current LedgerSyncPhase as an ordinal.",
		}),
		ConnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connection_errors_total", Help: "Connection-level errors observed by the error policy, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.OpenStreams, m.FramesParsed, m.WindowRefills, m.PendingBytes, m.LedgerPhase, m.ConnErrors)
	return m, reg
}

// ObserveConnError increments the appropriately-labeled error counter.
func (m *Metrics) ObserveConnError(kind ConnErrorKind) {
	var label string
	switch kind {
	case ErrStreamReset:
		label = "stream_reset"
	case ErrBadWindowUpdate:
		label = "bad_window_update"
	case ErrOverflow:
		label = "overflow"
	default:
		label = "unknown"
	}
	m.ConnErrors.WithLabelValues(label).Inc()
}

// DebugServer serves /metrics plus a small /debug/sync JSON snapshot of the
// ledger-sync coordinator, addressing this lineage's ambient expectation of
// an operable debug surface alongside any long-running node.
type DebugServer struct {
	server *http.Server
}

// NewDebugServer builds (but does not start) a chi-routed debug server.
func NewDebugServer(addr string, reg *prometheus.Registry, sync *LedgerSyncState) *DebugServer {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/debug/sync", func(w http.ResponseWriter, req *http.Request) {
		writeSyncSnapshot(w, sync)
	})
	return &DebugServer{server: &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}}
}

// ListenAndServe blocks serving the debug surface until it errors or is
// shut down.
func (d *DebugServer) ListenAndServe() error { return d.server.ListenAndServe() }

// Close shuts the debug server down.
func (d *DebugServer) Close() error { return d.server.Close() }

type syncSnapshot struct {
	Phase      LedgerSyncPhase `json:"phase"`
	PendingLen int             `json:"pendingAddrs"`
	ReadyPeers int             `json:"readyPeers"`
}

func writeSyncSnapshot(w http.ResponseWriter, sync *LedgerSyncState) {
	w.Header().Set("Content-Type", "application/json")
	if sync == nil {
		_, _ = w.Write([]byte(`{}`))
		return
	}
	snap := syncSnapshot{
		Phase:      sync.Phase,
		PendingLen: len(sync.Pending),
		ReadyPeers: len(sync.ReadyPeers),
	}
	_ = json.NewEncoder(w).Encode(snap)
}
