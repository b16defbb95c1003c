// Package dashboard serves the JSON status API: pool membership, cache
// status, contracts by interval, async refresh tasks, plus the recent
// metrics, logs and host resource samples.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fundingpool/config"
	"fundingpool/internal/metrics"
	"fundingpool/internal/service"
	"fundingpool/internal/taskgw"
	"fundingpool/logger"
	"fundingpool/models"
)

// Backend is the query surface the API exposes.
type Backend interface {
	GetPoolStatus() service.PoolStatus
	GetCacheStatus() service.CacheStatus
	ContractsByInterval(label string) ([]models.Contract, error)
	SubmitAsync(kind string, args map[string]string) (string, error)
	GetTaskStatus(id string) (models.TaskRecord, error)
}

const (
	metricsHistory = 200
	logHistory     = 200
)

type Server struct {
	cfg             config.APIConfig
	log             *logger.Log
	backend         Backend
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	resourceSampler *resourceSampler
	status          map[string]func() interface{}
	httpServer      *http.Server
}

// NewServer returns nil when the API is disabled. diskPath selects the
// filesystem whose usage is sampled, normally the cache directory.
func NewServer(cfg config.APIConfig, backend Backend, diskPath string, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if backend == nil {
		return nil, errors.New("dashboard: backend is required")
	}
	cfg.Address = normalizeAddress(cfg.Address)

	metricStore := newMetricStore(metricsHistory)
	logStore := newLogStore(logHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		backend:         backend,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   metrics.RegisterMetricHandler(metricStore.handle),
		resourceSampler: newResourceSampler(metricsHistory, 5*time.Second, diskPath, log),
		status:          make(map[string]func() interface{}),
	}, nil
}

// WithStatus adds a named section to /api/status.
func (s *Server) WithStatus(name string, fn func() interface{}) *Server {
	if s != nil && fn != nil {
		s.status[name] = fn
	}
	return s
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.resourceSampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/pool", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.backend.GetPoolStatus())
	})

	mux.HandleFunc("GET /api/cache", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.backend.GetCacheStatus())
	})

	mux.HandleFunc("GET /api/contracts/{interval}", func(w http.ResponseWriter, r *http.Request) {
		label := r.PathValue("interval")
		list, err := s.backend.ContractsByInterval(label)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"interval":  label,
			"count":     len(list),
			"contracts": list,
		})
	})

	mux.HandleFunc("POST /api/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.submit(w, service.TaskRefreshCache, nil)
	})

	mux.HandleFunc("POST /api/check", func(w http.ResponseWriter, r *http.Request) {
		symbols := r.URL.Query().Get("symbols")
		if symbols == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbols query parameter is required"})
			return
		}
		s.submit(w, service.TaskCheckSymbols, map[string]string{"symbols": symbols})
	})

	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.backend.GetTaskStatus(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		payload := make(map[string]interface{}, len(s.status))
		for name, fn := range s.status {
			payload[name] = fn()
		}
		writeJSON(w, http.StatusOK, payload)
	})

	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		recent := s.metricStore.snapshot()
		items := make([]map[string]interface{}, 0, len(recent))
		for _, m := range recent {
			items = append(items, map[string]interface{}{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"metrics":   items,
			"summaries": metrics.Summaries(),
		})
	})

	mux.HandleFunc("GET /api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": s.logStore.snapshot()})
	})

	mux.HandleFunc("GET /api/resources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"resources": s.resourceSampler.snapshot()})
	})

	return recoverer(s.log, mux)
}

func (s *Server) submit(w http.ResponseWriter, kind string, args map[string]string) {
	id, err := s.backend.SubmitAsync(kind, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  string(models.TaskQueued),
	})
}

func recoverer(log *logger.Log, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("api").WithFields(logger.Fields{
					"path":  r.URL.Path,
					"panic": rec,
				}).Error("handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInterval), errors.Is(err, taskgw.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, taskgw.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskgw.ErrQueueFull):
		// Pending tasks drain at worker speed.
		w.Header().Set("Retry-After", "5")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
