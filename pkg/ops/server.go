// Package ops is the operator HTTP surface: worker status, backfills,
// repair jobs, and queue maintenance.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/packhouse-labs/fulfillment-core/pkg/batcher"
	"github.com/packhouse-labs/fulfillment-core/pkg/fingerprint"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/queue"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

const defaultBackfillLimit = 500

// StatusFunc returns one worker's counter snapshot.
type StatusFunc func() any

// Backfiller is the fingerprint engine's repair surface.
type Backfiller interface {
	BackfillFingerprints(ctx context.Context, limit int) (*fingerprint.BackfillReport, error)
	RepairUnexplodedKits(ctx context.Context, limit int) (*fingerprint.BackfillReport, error)
	RepairUnsubstitutedVariants(ctx context.Context, limit int) (*fingerprint.BackfillReport, error)
	RepairMissingWeightShipments(ctx context.Context, limit int) (*fingerprint.BackfillReport, error)
	OnCollectionChanged(ctx context.Context, affectedSKUs []string) (*fingerprint.BackfillReport, error)
}

// SessionBuilder runs batcher passes, optionally restricted to one station
// type.
type SessionBuilder interface {
	BuildSessions(ctx context.Context, stationType string, dryRun bool) (*batcher.Report, error)
}

// Reimporter replays the upstream session history.
type Reimporter interface {
	Reimport(ctx context.Context, since time.Time) (int, error)
}

// RepairStore manages operator repair jobs.
type RepairStore interface {
	CreateRepairJob(ctx context.Context, cohort string) (*model.RepairJob, error)
	ListRepairJobs(ctx context.Context, limit int) ([]*model.RepairJob, error)
	RequestRepairCancel(ctx context.Context, id string) error
}

// Coordinator serializes backfills against the poll workers.
type Coordinator interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	BroadcastDegraded(ctx context.Context, degraded bool) error
}

// Server is the ops HTTP handler.
type Server struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	statuses   map[string]StatusFunc
	queues     map[string]*queue.Queue
	backfiller Backfiller
	builder    SessionBuilder
	reimporter Reimporter
	repairs    RepairStore
	coord      Coordinator
	healthz    func(ctx context.Context) error
}

// Options carries the wired dependencies.
type Options struct {
	Backfiller Backfiller
	Builder    SessionBuilder
	Reimporter Reimporter
	Repairs    RepairStore
	Coord      Coordinator
	Queues     map[string]*queue.Queue
	Health     func(ctx context.Context) error
	Logger     *slog.Logger
}

// NewServer builds the handler.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "ops"),
		statuses:   make(map[string]StatusFunc),
		queues:     opts.Queues,
		backfiller: opts.Backfiller,
		builder:    opts.Builder,
		reimporter: opts.Reimporter,
		repairs:    opts.Repairs,
		coord:      opts.Coord,
		healthz:    opts.Health,
	}
	s.routes()
	return s
}

// RegisterStatus adds one worker's snapshot to GET /status.
func (s *Server) RegisterStatus(name string, fn StatusFunc) {
	s.statuses[name] = fn
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /queues", s.handleQueueStats)
	s.mux.HandleFunc("POST /queues/{name}/purge", s.handleQueuePurge)
	s.mux.HandleFunc("POST /backfill/fingerprints", s.handleBackfill)
	s.mux.HandleFunc("POST /repair/kits", s.repairHandler(func(ctx context.Context, limit int) (*fingerprint.BackfillReport, error) {
		return s.backfiller.RepairUnexplodedKits(ctx, limit)
	}))
	s.mux.HandleFunc("POST /repair/variants", s.repairHandler(func(ctx context.Context, limit int) (*fingerprint.BackfillReport, error) {
		return s.backfiller.RepairUnsubstitutedVariants(ctx, limit)
	}))
	s.mux.HandleFunc("POST /repair/weights", s.repairHandler(func(ctx context.Context, limit int) (*fingerprint.BackfillReport, error) {
		return s.backfiller.RepairMissingWeightShipments(ctx, limit)
	}))
	s.mux.HandleFunc("POST /collections/changed", s.handleCollectionChanged)
	s.mux.HandleFunc("POST /repair/jobs", s.handleRepairCreate)
	s.mux.HandleFunc("GET /repair/jobs", s.handleRepairList)
	s.mux.HandleFunc("POST /repair/jobs/{id}/cancel", s.handleRepairCancel)
	s.mux.HandleFunc("POST /sessions/build", s.handleSessionBuild)
	s.mux.HandleFunc("POST /reimport", s.handleReimport)
}

// ServeHTTP dispatches to the ops routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthz != nil {
		if err := s.healthz(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(s.statuses))
	for name, fn := range s.statuses {
		out[name] = fn()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[queue.Status]int, len(s.queues))
	for name, q := range s.queues {
		stats, err := q.Stats(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[name] = stats
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleQueuePurge deletes jobs in the named statuses. Defaults to
// dead_letter only; purging queued work requires asking for it.
func (s *Server) handleQueuePurge(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queues[r.PathValue("name")]
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("unknown queue"))
		return
	}
	statuses := []queue.Status{queue.StatusDeadLetter}
	if raw := r.URL.Query().Get("statuses"); raw != "" {
		statuses = statuses[:0]
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, queue.Status(strings.TrimSpace(st)))
		}
	}
	n, err := q.Purge(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// handleBackfill runs the fingerprint backfill under the worker mutex so
// the poll workers stand down while it rewrites rows.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", defaultBackfillLimit)
	ctx := r.Context()

	if s.coord != nil {
		if err := s.coord.Acquire(ctx); err != nil {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		_ = s.coord.BroadcastDegraded(ctx, true)
		defer func() {
			_ = s.coord.BroadcastDegraded(ctx, false)
			_ = s.coord.Release(ctx)
		}()
	}

	report, err := s.backfiller.BackfillFingerprints(ctx, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) repairHandler(run func(ctx context.Context, limit int) (*fingerprint.BackfillReport, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := run(r.Context(), intQuery(r, "limit", defaultBackfillLimit))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
	}
}

// handleCollectionChanged invalidates fingerprints for shipments holding the
// listed SKUs, typically called when a collection mapping moves.
func (s *Server) handleCollectionChanged(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SKUs []string `json:"skus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.SKUs) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("body must carry a non-empty skus array"))
		return
	}
	report, err := s.backfiller.OnCollectionChanged(r.Context(), body.SKUs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRepairCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cohort string `json:"cohort"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Cohort == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("body must carry a cohort"))
		return
	}
	job, err := s.repairs.CreateRepairJob(r.Context(), body.Cohort)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("repair job enqueued", "job_id", job.ID, "cohort", job.Cohort)
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRepairList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repairs.ListRepairJobs(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRepairCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.repairs.RequestRepairCancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, errors.New("no cancellable job with that id"))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancel_requested"})
}

func (s *Server) handleSessionBuild(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	stationType := r.URL.Query().Get("station_type")
	report, err := s.builder.BuildSessions(r.Context(), stationType, dryRun)
	if err != nil {
		if errors.Is(err, batcher.ErrUnknownStationType) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReimport(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("since must be RFC3339"))
		return
	}
	n, err := s.reimporter.Reimport(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reimported": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intQuery(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
