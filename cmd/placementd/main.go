// Package main implements placementd, the long-running service that holds
// one pool map in memory, keeps its rim map built, and answers placement
// and query requests over HTTP.
//
//	┌───────────────────────────────────────┐
//	│              placementd                │
//	├───────────────────────────────────────┤
//	│  GET  /query    - pool-map summary     │
//	│  GET  /rim      - rim-map counts       │
//	│  POST /apply    - target-state op      │
//	│  GET  /healthz  - liveness probe       │
//	│  GET  /metrics  - prometheus exposition│
//	└───────────────────────────────────────┘
//
// Configuration is environment-variable driven, the same pattern the
// cluster coordinator uses (PLACEMENTD_ADDR, PLACEMENTD_POOL_BUF).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/torua-placement/internal/cluster"
	"github.com/dreamware/torua-placement/internal/metrics"
	"github.com/dreamware/torua-placement/internal/poolmap"
	"github.com/dreamware/torua-placement/internal/registry"
	"github.com/dreamware/torua-placement/internal/rim"
)

type config struct {
	addr       string
	poolBuf    string
	domainType poolmap.CompType
	nrims      int
}

func configFromEnv() config {
	return config{
		addr:       getenv("PLACEMENTD_ADDR", ":8090"),
		poolBuf:    getenv("PLACEMENTD_POOL_BUF", ""),
		domainType: poolmap.TypeRank,
		nrims:      8,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

type server struct {
	log     *zap.SugaredLogger
	reg     *registry.Registry
	metrics *metrics.Metrics
	handle  *registry.Handle
	poolID  uuid.UUID
	rim     *rim.Map
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	cfg := configFromEnv()
	if cfg.poolBuf == "" {
		log.Fatal("PLACEMENTD_POOL_BUF must name a pool buffer file")
	}

	buf, err := os.ReadFile(cfg.poolBuf)
	if err != nil {
		log.Fatalf("read pool buffer: %v", err)
	}

	m, err := poolmap.Create(buf)
	if err != nil {
		log.Fatalf("parse pool buffer: %v", err)
	}

	rm, err := rim.Build(m.Root(), cfg.domainType, m.Version(), cfg.nrims)
	if err != nil {
		log.Fatalf("build rim map: %v", err)
	}

	reg := registry.New(8)
	poolID := uuid.New()
	handle, err := reg.Open(poolID, m)
	if err != nil {
		log.Fatalf("open pool handle: %v", err)
	}

	mreg := prometheus.NewRegistry()
	met := metrics.New(mreg)
	met.PoolMapVersion.WithLabelValues(poolID.String()).Set(float64(m.Version()))

	srv := &server{log: log, reg: reg, metrics: met, handle: handle, poolID: poolID, rim: rm}

	mux := http.NewServeMux()
	mux.HandleFunc("/query", srv.handleQuery)
	mux.HandleFunc("/rim", srv.handleRim)
	mux.HandleFunc("/apply", srv.handleApply)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(mreg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("placementd listening", "addr", cfg.addr, "pool", poolID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warnw("shutdown error", "err", err)
	}
	log.Info("placementd stopped")
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m := s.handle.Get()
	defer s.handle.Put()

	q := m.Query(0, 0, 0)
	s.metrics.PoolMapVersion.WithLabelValues(s.poolID.String()).Set(float64(q.MapVersion))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(q); err != nil {
		s.log.Warnw("encode query response", "err", err)
	}
}

type rimSummary struct {
	NRims    int `json:"n_rims"`
	NDomains int `json:"n_domains"`
	NTargets int `json:"n_targets"`
}

// handleApply is the remote counterpart of poolctl's local target-state
// subcommands: it applies one op to the handle's current pool map in place
// (under that map's own write lock, so readers taking its read lock wait
// for the op) and, when the version advanced, re-installs that map on the
// registry handle.
func (s *server) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cluster.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	op, ok := applyOpFromString(req.Op)
	if !ok {
		http.Error(w, "unknown op "+req.Op, http.StatusBadRequest)
		return
	}
	if req.Rank == nil && len(req.Targets) == 0 {
		http.Error(w, "one of rank or targets is required", http.StatusBadRequest)
		return
	}

	m := s.handle.Get()
	defer s.handle.Put()

	var version uint32
	var targetErrs []poolmap.TargetError
	var err error
	switch {
	case req.Rank != nil && op == poolmap.OpExclude:
		version, err = m.ExcludeRank(*req.Rank)
	case req.Rank != nil && op == poolmap.OpDrain:
		version, err = m.DrainRank(*req.Rank)
	case req.Rank != nil && op == poolmap.OpReint:
		version, err = m.ReintegrateRank(*req.Rank)
	default:
		version, targetErrs, err = m.TargetStateUpdate(req.Targets, op, false)
	}
	if err != nil {
		writeApplyError(w, err)
		return
	}

	if version != 0 {
		s.handle.Swap(m)
		s.metrics.PoolMapVersion.WithLabelValues(s.poolID.String()).Set(float64(version))
	}
	if len(targetErrs) > 0 {
		s.metrics.TargetTransition.WithLabelValues(req.Op, "busy").Add(float64(len(targetErrs)))
	}

	resp := cluster.ApplyResponse{Version: version}
	for _, te := range targetErrs {
		resp.TargetErrors = append(resp.TargetErrors, cluster.TargetError{ID: te.ID, Message: te.Err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warnw("encode apply response", "err", err)
	}
}

func applyOpFromString(s string) (poolmap.Op, bool) {
	switch s {
	case "EXCLUDE":
		return poolmap.OpExclude, true
	case "DRAIN":
		return poolmap.OpDrain, true
	case "REINT":
		return poolmap.OpReint, true
	default:
		return 0, false
	}
}

func writeApplyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, poolmap.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, poolmap.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *server) handleRim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rimSummary{
		NRims:    len(s.rim.Rims),
		NDomains: s.rim.NDomains,
		NTargets: s.rim.NTargets,
	}); err != nil {
		s.log.Warnw("encode rim summary", "err", err)
	}
}
