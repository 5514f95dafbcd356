package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evm-indexer/indexer/internal/metrics"
	"github.com/evm-indexer/indexer/internal/store"
)

// syncSnapshot is read by health handlers without ever writing, per spec
// §4.8 ("probes must not themselves write").
type syncSnapshot struct {
	LocalMax  uint64
	ChainMax  uint64
	Lag       uint64
	LastSync  time.Time
	Available bool
}

// HealthServer exposes /healthz, /ready and /metrics (spec §6). It holds
// only read handles: a Store (for /ready) and a snapshot provider wired
// up by the Supervisor.
type HealthServer struct {
	store     store.Store
	metrics   *metrics.Metrics
	startedAt time.Time
	snapshot  func() syncSnapshot

	server *http.Server
}

// NewHealthServer builds the chi router and binds it to addr, but does
// not start serving until Start is called.
func NewHealthServer(addr string, st store.Store, m *metrics.Metrics, snapshot func() syncSnapshot) *HealthServer {
	hs := &HealthServer{store: st, metrics: m, startedAt: time.Now(), snapshot: snapshot}

	r := chi.NewRouter()
	r.Get("/healthz", hs.handleHealthz)
	r.Get("/ready", hs.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	hs.server = &http.Server{Addr: addr, Handler: r}
	return hs
}

// Start binds and serves in the background. A failure here is not fatal
// to the sync engine itself; an external process supervisor watching
// /healthz will still notice the server is down.
func (hs *HealthServer) Start() {
	go func() {
		_ = hs.server.ListenAndServe()
	}()
}

// Stop is registered at PriorityStopProbes: the first thing to go during
// an ordered shutdown (spec §4.8 step 1).
func (hs *HealthServer) Stop(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

type healthzResponse struct {
	Status string `json:"status"`
	Checks struct {
		Database bool `json:"database"`
		RPC      bool `json:"rpc"`
		Sync     struct {
			Lag      uint64 `json:"lag"`
			LocalMax uint64 `json:"localMax"`
			ChainMax uint64 `json:"chainMax"`
		} `json:"sync"`
	} `json:"checks"`
}

func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := hs.store.Ping(ctx) == nil
	snap := hs.snapshot()

	resp := healthzResponse{}
	resp.Checks.Database = dbOK
	resp.Checks.RPC = snap.Available
	resp.Checks.Sync.Lag = snap.Lag
	resp.Checks.Sync.LocalMax = snap.LocalMax
	resp.Checks.Sync.ChainMax = snap.ChainMax

	status := http.StatusOK
	resp.Status = "ok"
	if !dbOK || !snap.Available {
		status = http.StatusServiceUnavailable
		resp.Status = "unavailable"
	}
	writeJSON(w, status, resp)
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := hs.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
