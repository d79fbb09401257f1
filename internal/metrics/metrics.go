// Package metrics serves the daemon's ambient /healthz and /metrics HTTP
// surface (spec §6.1, supplemented — not part of spec.md's RPC/discovery
// scope but carried because the teacher and the rest of the example pack
// always ship one).
//
// Grounded on the teacher's internal/health/health.go for the
// Response/ServiceInfo JSON shape and ListenAndServe lifecycle, routed
// with github.com/go-chi/chi/v5 (ManuGH-xg2g/internal/api/http.go) instead
// of the teacher's bare http.ServeMux, and backed by a real
// github.com/prometheus/client_golang registry (ManuGH-xg2g/internal/
// metrics/admission.go) instead of the teacher's hand-formatted
// Prometheus text.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	streamCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exostream_stream_count",
		Help: "Current number of active streams.",
	})

	streamUptimeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exostream_stream_uptime_seconds",
		Help: "Seconds since each active stream started.",
	}, []string{"device"})

	rpcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exostream_rpc_errors_total",
		Help: "Total RPC responses carrying an error, by error code.",
	}, []string{"code"})

	discoveryPeerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exostream_discovery_peer_count",
		Help: "Current number of peers known to the discovery listener.",
	})
)

// RecordRPCError increments the RPC error counter for the given code.
func RecordRPCError(code string) {
	rpcErrorsTotal.WithLabelValues(code).Inc()
}

// SetDiscoveryPeerCount reports the current discovery peer table size.
func SetDiscoveryPeerCount(n int) {
	discoveryPeerCount.Set(float64(n))
}

// StreamInfo describes one active stream for /healthz purposes (spec §4.D,
// mirrors the teacher's health.ServiceInfo but keyed on device path instead
// of audio device name).
type StreamInfo struct {
	Device    string    `json:"device"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Healthy   bool      `json:"healthy"`
	StartedAt time.Time `json:"started_at"`
}

// StatusProvider supplies live stream and discovery state to the handler.
// The daemon's supervisor and discovery listener implement this.
type StatusProvider interface {
	Streams() []StreamInfo
	PeerCount() int
}

// Response is the JSON body served at /healthz.
type Response struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Streams   []StreamInfo `json:"streams"`
	PeerCount int          `json:"peer_count"`
}

// Handler serves /healthz and /metrics behind a chi router.
type Handler struct {
	provider StatusProvider
	mux      *chi.Mux
}

// NewHandler builds the health/metrics mux. provider may be nil before the
// daemon has finished starting up; Streams() is then treated as empty.
func NewHandler(provider StatusProvider) *Handler {
	h := &Handler{provider: provider}
	r := chi.NewRouter()
	r.Get("/healthz", h.serveHealth)
	r.Handle("/metrics", promhttp.Handler())
	h.mux = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	var streams []StreamInfo
	peers := 0
	if h.provider != nil {
		streams = h.provider.Streams()
		peers = h.provider.PeerCount()
	}

	streamCount.Set(float64(len(streams)))
	now := time.Now()
	for _, s := range streams {
		streamUptimeSeconds.WithLabelValues(s.Device).Set(now.Sub(s.StartedAt).Seconds())
	}
	discoveryPeerCount.Set(float64(peers))

	resp := Response{Timestamp: now, Streams: streams, PeerCount: peers}
	resp.Status = "healthy"
	for _, s := range streams {
		if !s.Healthy {
			resp.Status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe runs the health/metrics HTTP server until ctx is
// cancelled, then shuts it down gracefully (spec §6.1, grounded on the
// teacher's health.ListenAndServeReady).
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
