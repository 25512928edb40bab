package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/docq/internal/config"
	"github.com/you/docq/internal/durable"
	"github.com/you/docq/internal/fanout"
	"github.com/you/docq/internal/ingest"
	"github.com/you/docq/internal/lock"
	"github.com/you/docq/internal/match"
	"github.com/you/docq/internal/storage"
	"github.com/you/docq/internal/taskq"
)

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	holder := "api-" + uuid.NewString()
	lk := lock.New(ctx, rdb, cfg.LockKey, holder, cfg.LockLease, logger)
	store := storage.New(db)
	mgr := durable.New(store, lk, cfg.LockWait, cfg.PollInterval, logger)

	terms := match.Compile(cfg.SearchTerms, nil)
	sweeper := ingest.NewSweeper(
		discoverySource(logger),
		documentProcessor(logger),
		terms,
		match.Options{SenderFallback: cfg.SenderFallback, AttachmentFallback: cfg.AttachmentFallback},
		fanout.Policy{PerAccountCap: cfg.FanoutPerAccount, GlobalCap: cfg.FanoutGlobal, DefaultLimit: cfg.FanoutDefault},
		logger,
	)

	tq := taskq.New(lk, cfg.LockWait, logger)
	tq.Start()
	defer tq.Stop()

	srv := &server{log: logger, tasks: tq, jobs: mgr, sweeper: sweeper}

	rtr := chi.NewRouter()
	rtr.Post("/v1/tasks", srv.enqueueTask)
	rtr.Get("/v1/tasks/{id}", srv.taskStatus)
	rtr.Post("/v1/jobs", srv.enqueueJob)
	rtr.Get("/v1/jobs/{id}", srv.jobStatus)

	logger.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("lock_mode", lk.Mode().String()))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

type server struct {
	log     *zap.Logger
	tasks   *taskq.Queue
	jobs    *durable.Manager
	sweeper *ingest.Sweeper
}

type triggerRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit,omitempty"`
}

// enqueueTask submits an interactive "process now" sweep for one
// account; the queue worker executes it under the ingestion lock.
func (s *server) enqueueTask(w http.ResponseWriter, req *http.Request) {
	var body triggerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Account == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account is required"})
		return
	}
	id := s.tasks.Enqueue("process_now", func(ctx context.Context) (string, error) {
		sum := s.sweeper.Run(ctx, []string{body.Account}, body.Limit)
		if err, ok := sum.Failures[body.Account]; ok {
			return "", err
		}
		out, _ := json.Marshal(sum)
		return string(out), nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *server) taskStatus(w http.ResponseWriter, req *http.Request) {
	job, ok := s.tasks.Get(chi.URLParam(req, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobRequest struct {
	JobType string          `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
	Owner   string          `json:"owner"`
}

func (s *server) enqueueJob(w http.ResponseWriter, req *http.Request) {
	var body jobRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.JobType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job_type is required"})
		return
	}
	id, err := s.jobs.EnqueueJob(req.Context(), body.JobType, body.Payload, body.Owner)
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *server) jobStatus(w http.ResponseWriter, req *http.Request) {
	job, err := s.jobs.GetJob(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.log.Error("job lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Collaborator wiring. The mailbox transport and the document parser
// are separate services; a deployment swaps these for real clients.
func discoverySource(logger *zap.Logger) ingest.Source {
	return ingest.SourceFunc(func(ctx context.Context, account string, limit int) ([]ingest.Item, error) {
		logger.Debug("discovery source not configured", zap.String("account", account), zap.Int("limit", limit))
		return nil, nil
	})
}

func documentProcessor(logger *zap.Logger) ingest.Processor {
	return ingest.ProcessorFunc(func(ctx context.Context, account string, item ingest.Item) error {
		logger.Debug("processor not configured", zap.String("account", account), zap.String("item_id", item.ID))
		return nil
	})
}
