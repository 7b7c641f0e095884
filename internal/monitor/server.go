package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/internal/strategy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusProvider 引擎状态来源 / Anything that reports an engine status
type StatusProvider interface {
	Status() strategy.Status
}

// Server 运维HTTP服务 / Ops HTTP server
//
// Routes:
//   - GET /healthz: 交易所与数据库连通性 / exchange and database connectivity
//   - GET /metrics: Prometheus 指标 / Prometheus metrics
//   - GET /status: 每个交易对的引擎状态与余额统计 / per-symbol engine status and balance counters
type Server struct {
	monitor *Monitor
	metrics *Metrics
	engines []StatusProvider
	logger  *logger.Logger
}

// NewServer 创建运维服务 / Create ops server
func NewServer(monitor *Monitor, metrics *Metrics, engines []StatusProvider, logger *logger.Logger) *Server {
	return &Server{
		monitor: monitor,
		metrics: metrics,
		engines: engines,
		logger:  logger,
	}
}

// Handler 构建路由 / Build the router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

// Serve 启动服务直到ctx取消 / Listen on addr until ctx is cancelled, then shut down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Ops server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.monitor.HealthCheck(ctx); err != nil {
		s.logger.Warn("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	engines := make([]strategy.Status, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e.Status())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engines": engines,
		"monitor": s.monitor.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
