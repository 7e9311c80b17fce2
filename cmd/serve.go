package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/monitoring"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for triggering batches and inspecting records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnrich(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		if cfg.Monitoring.Enabled {
			alerter := monitoring.NewAlerter(cfg.Monitoring, monitoring.WithRetry(cfg.Resilience.Retry()))
			go monitoring.NewChecker(collector, alerter, cfg.Monitoring).Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(env, collector, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// batchRequest is the body of POST /v1/batches. Zero fields fall back to the
// batch config section.
type batchRequest struct {
	Scope  string `json:"scope"`
	Limit  int    `json:"limit"`
	Shards int    `json:"shards"`
}

// providerHealth is the body of GET /v1/providers/health.
type providerHealth struct {
	Chains   map[model.Capability][]string `json:"chains"`
	Geocoder string                        `json:"geocoder,omitempty"`
	Breakers []resilience.BreakerStatus    `json:"breakers"`
	Metrics  *monitoring.MetricsSnapshot   `json:"metrics,omitempty"`
}

// buildRouter wires the API routes around env.
func buildRouter(env *enrichEnv, collector *monitoring.Collector, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", handleRunBatch(env))
		r.Get("/records/{id}", handleGetRecord(env.Store))
		r.Get("/records/{id}/attempts", handleListAttempts(env.Store))
		r.Post("/records/{id}/reset", handleResetRecord(env.Store))
		r.Get("/providers/health", handleProviderHealth(env, collector))
	})
	return r
}

// handleRunBatch runs a batch synchronously and returns its summary.
func handleRunBatch(env *enrichEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		if req.Scope == "" {
			req.Scope = cfgBatchScope()
		}
		scope, err := model.ParseScope(req.Scope)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Limit < 0 || req.Shards < 0 {
			writeError(w, http.StatusBadRequest, "limit and shards must not be negative")
			return
		}
		if req.Limit == 0 && cfg != nil {
			req.Limit = cfg.Batch.Limit
		}
		if req.Shards == 0 && cfg != nil {
			req.Shards = cfg.Batch.Shards
		}

		summary, err := env.Coordinator.RunSharded(r.Context(), scope, req.Limit, req.Shards)
		if err != nil {
			zap.L().Error("api batch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "batch failed")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleGetRecord(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := st.GetRecord(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		if err != nil {
			zap.L().Error("api get record", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleListAttempts(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := store.AttemptFilter{
			RecordID:   chi.URLParam(r, "id"),
			Capability: model.Capability(r.URL.Query().Get("capability")),
			Provider:   r.URL.Query().Get("provider"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			f.Limit = n
		}
		attempts, err := st.ListAttempts(r.Context(), f)
		if err != nil {
			zap.L().Error("api list attempts", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if attempts == nil {
			attempts = []model.Attempt{}
		}
		writeJSON(w, http.StatusOK, attempts)
	}
}

// handleResetRecord moves a failed record back to pending. Records in any
// other state are left alone and reported with reset=false.
func handleResetRecord(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := st.GetRecord(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "record not found")
				return
			}
			zap.L().Error("api reset record", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		n, err := st.ResetFailed(r.Context(), []string{id})
		if err != nil {
			zap.L().Error("api reset record", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "reset failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "reset": n > 0})
	}
}

func handleProviderHealth(env *enrichEnv, collector *monitoring.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := providerHealth{
			Chains:   env.Chains,
			Geocoder: env.Geocoder,
			Breakers: env.Breakers.Statuses(),
		}
		if collector != nil {
			hours := 24
			if v := r.URL.Query().Get("lookback_hours"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
					return
				}
				hours = n
			} else if cfg != nil && cfg.Monitoring.LookbackWindowHours > 0 {
				hours = cfg.Monitoring.LookbackWindowHours
			}
			snap, err := collector.Collect(r.Context(), hours)
			if err != nil {
				zap.L().Error("api provider health", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "collect metrics failed")
				return
			}
			resp.Metrics = snap
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cfgBatchScope() string {
	if cfg == nil {
		return ""
	}
	return cfg.Batch.Scope
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
