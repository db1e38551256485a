package main

import (
	"context"
	"encoding/json"
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

	"github.com/statlinehq/props-engine/internal/coordinator"
	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/monitoring"
	"github.com/statlinehq/props-engine/internal/schedule"
	"github.com/statlinehq/props-engine/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operational HTTP server",
	Long:  "Serves health, pipeline status, dispatch, breaker, and dead-letter endpoints, and runs the monitoring checker in the background.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		coord := coordinator.New(coordinator.Config{
			SnapshotStage:   cfg.Pipeline.SnapshotStage,
			PredictionStage: cfg.Pipeline.PredictionStage,
			RatePerSec:      cfg.Dispatch.RatePerSec,
			Burst:           cfg.Dispatch.Burst,
		}, schedule.NewStoreProvider(env.Store), env.Store, env.Store, env.Store, env.Breakers, env.Queue)

		stages := make([]string, 0, len(env.Graph.Stages()))
		for _, spec := range env.Graph.Stages() {
			stages = append(stages, spec.Name)
		}
		collector := monitoring.NewCollector(env.Store, env.Queue, env.Breakers, stages)

		// Background alert loop.
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
		}))

		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			if err := env.Store.Ping(req.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "store unavailable")
				return
			}
			if err := env.Redis.Ping(req.Context()).Err(); err != nil {
				writeError(w, http.StatusServiceUnavailable, "redis unavailable")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			snap, err := collector.Collect(req.Context(), cfg.Monitoring.LookbackWindowHours)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			filter := store.RunFilter{
				Scope:  req.URL.Query().Get("scope"),
				Status: model.RunStatus(req.URL.Query().Get("status")),
				Limit:  queryInt(req, "limit", 50),
			}
			if raw := req.URL.Query().Get("date"); raw != "" {
				date, err := model.ParseDate(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid date")
					return
				}
				filter.Date = date
			}
			runs, err := env.Store.ListRuns(req.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		})

		r.Get("/predictions", func(w http.ResponseWriter, req *http.Request) {
			date, err := resolveDate(req.URL.Query().Get("date"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid date")
				return
			}
			results, err := env.Store.ListPredictions(req.Context(), date)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"date": date, "predictions": results})
		})

		r.Post("/dispatch", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Date      string   `json:"date"`
				EntityIDs []string `json:"entity_ids"`
				Force     bool     `json:"force"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			date, err := resolveDate(body.Date)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid date")
				return
			}
			if err := env.Queue.EnsureGroup(req.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			summary, err := coord.Dispatch(req.Context(), date, coordinator.Filter{
				EntityIDs: body.EntityIDs,
				Force:     body.Force,
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, summary)
		})

		r.Get("/breakers", func(w http.ResponseWriter, req *http.Request) {
			states, err := env.Breakers.Snapshot(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"breakers": states})
		})

		r.Post("/breakers/{stage}/{entity}/reset", func(w http.ResponseWriter, req *http.Request) {
			stage := chi.URLParam(req, "stage")
			entity := chi.URLParam(req, "entity")
			if err := env.Breakers.Reset(req.Context(), entity, stage); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "stage": stage, "entity_id": entity})
		})

		r.Get("/dlq", func(w http.ResponseWriter, req *http.Request) {
			letters, err := env.Queue.ListDeadLetters(req.Context(), queryInt(req, "limit", 100))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
		})

		r.Post("/dlq/{id}/requeue", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if err := env.Queue.RequeueDeadLetter(req.Context(), id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			// The signal context is already cancelled; drain in-flight
			// requests on a fresh deadline instead of aborting them.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
