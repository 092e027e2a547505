// Package http exposes the accounting store over a JSON API. Every
// endpoint returns the same envelope with a status, a data array and an
// optional typed error. Identity comes from the trusted X-Acct-User
// header set by the frontend proxy.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/slurm-tools/slacctdb/pkg/acct/auth"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/query"
	"github.com/slurm-tools/slacctdb/pkg/acct/rollup"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// Server config struct.
type Config struct {
	Logger           *slog.Logger
	Address          string
	WebSystemdSocket bool
	WebConfigFile    string
	Store            *store.Store

	// Requests per client IP per minute. Zero disables rate limiting.
	MaxRequests int
}

// Server serves the accounting API.
type Server struct {
	logger    *slog.Logger
	server    *http.Server
	webConfig *web.FlagConfig
	store     *store.Store
	querier   *query.Querier
	rollup    *rollup.Engine
	auth      *auth.Authorizer
}

// New creates the API server and its routes.
func New(c *Config) (*Server, error) {
	router := mux.NewRouter()
	server := &Server{
		logger: c.Logger,
		server: &http.Server{
			Addr:         c.Address,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{c.Address},
			WebSystemdSocket:   &c.WebSystemdSocket,
			WebConfigFile:      &c.WebConfigFile,
		},
		store:   c.Store,
		querier: query.New(c.Store, c.Logger),
		rollup:  rollup.New(c.Store, c.Logger),
		auth:    auth.New(c.Store, c.Logger),
	}

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<html>
			<head><title>Cluster Accounting API Server</title></head>
			<body>
			<h1>Cluster Accounting</h1>
			<p><a href="./api/v1/associations">Associations</a></p>
			<p><a href="./api/v1/jobs">Jobs</a></p>
			<p><a href="./api/v1/usage">Usage</a></p>
			</body>
			</html>`))
	})

	router.HandleFunc("/health", server.health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(server.rateLimiter(c.MaxRequests))
	api.Use(server.authMiddleware)

	// Allow only GET methods on the report endpoints
	api.HandleFunc("/associations", server.associations).Methods("GET")
	api.HandleFunc("/clusters", server.clusters).Methods("GET")
	api.HandleFunc("/jobs", server.jobs).Methods("GET")
	api.HandleFunc("/qos", server.qos).Methods("GET")
	api.HandleFunc("/reservations", server.reservations).Methods("GET")
	api.HandleFunc("/wckeys", server.wckeys).Methods("GET")
	api.HandleFunc("/usage", server.usage).Methods("GET")
	api.HandleFunc("/problems", server.problems).Methods("GET")

	api.HandleFunc("/rollup", server.triggerRollup).Methods("POST")

	return server, nil
}

// Start server.
func (s *Server) Start() error {
	s.logger.Info("Starting accounting API server", "address", s.server.Addr)

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.auth.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown HTTP server", "err", err)

		return err
	}

	return nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "KO", http.StatusServiceUnavailable)

		return
	}

	w.Write([]byte("OK"))
}

// GET /api/v1/associations
func (s *Server) associations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cond := models.AssocCond{
		Clusters:        q["cluster"],
		Accts:           q["account"],
		Users:           q["user"],
		Partitions:      q["partition"],
		QOS:             q["qos"],
		WithDeleted:     boolParam(q.Get("with_deleted")),
		WithUsage:       boolParam(q.Get("with_usage")),
		WithSubAccounts: boolParam(q.Get("with_sub_accts")),
	}

	ids, err := int64Params(q["id"])
	if err != nil {
		errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

		return
	}

	cond.IDs = ids

	assocs, err := s.querier.GetAssociations(r.Context(), cond)
	if err != nil {
		s.logger.Error("Failed to fetch associations", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch associations")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, assocs)
}

// GET /api/v1/clusters
func (s *Server) clusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clusters, err := s.querier.GetClusters(r.Context(), models.ClusterCond{
		Names:       q["cluster"],
		WithDeleted: boolParam(q.Get("with_deleted")),
	})
	if err != nil {
		s.logger.Error("Failed to fetch clusters", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch clusters")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, clusters)
}

// GET /api/v1/jobs
func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cond := models.JobCond{
		Clusters:    q["cluster"],
		Accts:       q["account"],
		Users:       q["user"],
		States:      q["state"],
		OnlyRunning: boolParam(q.Get("running")),
	}

	var err error

	if cond.JobIDs, err = int64Params(q["job_id"]); err == nil {
		if cond.TimeStart, err = int64Param(q.Get("start")); err == nil {
			if cond.TimeEnd, err = int64Param(q.Get("end")); err == nil {
				if cond.NodeIndexLow, err = int64Param(q.Get("node_low")); err == nil {
					cond.NodeIndexHigh, err = int64Param(q.Get("node_high"))
				}
			}
		}
	}

	if err != nil {
		errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

		return
	}

	jobs, err := s.querier.GetJobs(r.Context(), cond)
	if err != nil {
		s.logger.Error("Failed to fetch jobs", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch jobs")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, jobs)
}

// GET /api/v1/qos
func (s *Server) qos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	qoses, err := s.querier.GetQOS(r.Context(), models.QOSCond{
		Names:       q["name"],
		WithDeleted: boolParam(q.Get("with_deleted")),
	})
	if err != nil {
		s.logger.Error("Failed to fetch qos", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch qos")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, qoses)
}

// GET /api/v1/reservations
func (s *Server) reservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cond := models.ResvCond{
		Clusters:  q["cluster"],
		Names:     q["name"],
		WithUsage: boolParam(q.Get("with_usage")),
	}

	var err error

	if cond.TimeStart, err = int64Param(q.Get("start")); err == nil {
		cond.TimeEnd, err = int64Param(q.Get("end"))
	}

	if err != nil {
		errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

		return
	}

	resvs, err := s.querier.GetReservations(r.Context(), cond)
	if err != nil {
		s.logger.Error("Failed to fetch reservations", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch reservations")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, resvs)
}

// GET /api/v1/wckeys
func (s *Server) wckeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	wckeys, err := s.querier.GetWCKeys(r.Context(), models.WCKeyCond{
		Clusters:    q["cluster"],
		Names:       q["name"],
		Users:       q["user"],
		WithDeleted: boolParam(q.Get("with_deleted")),
	})
	if err != nil {
		s.logger.Error("Failed to fetch wckeys", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch wckeys")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, wckeys)
}

// GET /api/v1/usage
func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cond := models.UsageCond{
		Clusters:    q["cluster"],
		Scope:       q.Get("scope"),
		Granularity: q.Get("granularity"),
	}

	var err error

	if cond.ScopeIDs, err = int64Params(q["scope_id"]); err == nil {
		if cond.TimeStart, err = int64Param(q.Get("start")); err == nil {
			cond.TimeEnd, err = int64Param(q.Get("end"))
		}
	}

	if err != nil {
		errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

		return
	}

	buckets, err := s.querier.GetUsage(r.Context(), cond)
	if err != nil {
		if errors.Is(err, query.ErrBadGranularity) {
			errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

			return
		}

		s.logger.Error("Failed to fetch usage", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch usage")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, buckets)
}

// GET /api/v1/problems
func (s *Server) problems(w http.ResponseWriter, r *http.Request) {
	problems, err := s.querier.GetProblems(r.Context())
	if err != nil {
		s.logger.Error("Failed to fetch problems", "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to fetch problems")}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, problems)
}

// rollupResult reports what a triggered rollup covered.
type rollupResult struct {
	Cluster string `json:"cluster"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
}

// POST /api/v1/rollup
//
// Triggering a rollup mutates usage tables, so the admin check goes to
// the store directly instead of the level cache.
func (s *Server) triggerRollup(w http.ResponseWriter, r *http.Request) {
	actor := requestUser(r)

	if err := s.auth.RequireAdmin(r.Context(), actor); err != nil {
		if errors.Is(err, store.ErrAccessDenied) {
			errorResponse[any](w, &apiError{typ: errorForbidden, err: err}, s.logger, nil)

			return
		}

		errorResponse[any](w, &apiError{typ: errorUnauthorized, err: err}, s.logger, nil)

		return
	}

	q := r.URL.Query()
	cluster := q.Get("cluster")

	start, err := int64Param(q.Get("start"))
	if err != nil {
		errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

		return
	}

	end, err := int64Param(q.Get("end"))
	if err != nil {
		errorResponse[any](w, &apiError{typ: errorBadData, err: err}, s.logger, nil)

		return
	}

	if end == 0 {
		end = time.Now().Unix()
	}

	if cluster == "" {
		err = s.rollup.RollAllUsage(r.Context(), start, end)
	} else {
		err = s.rollup.RollUsage(r.Context(), cluster, start, end)
	}

	if err != nil {
		if errors.Is(err, store.ErrClusterNotRegistered) {
			errorResponse[any](w, &apiError{typ: errorNotFound, err: err}, s.logger, nil)

			return
		}

		s.logger.Error("Rollup trigger failed", "cluster", cluster, "err", err)
		errorResponse[any](w, &apiError{typ: errorInternal, err: fmt.Errorf("rollup failed: %w", err)}, s.logger, nil)

		return
	}

	okResponse(w, s.logger, []rollupResult{{Cluster: cluster, Start: start, End: end}})
}

func boolParam(v string) bool {
	b, _ := strconv.ParseBool(v)

	return b
}

func int64Param(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}

	return strconv.ParseInt(v, 10, 64)
}

func int64Params(vals []string) ([]int64, error) {
	if len(vals) == 0 {
		return nil, nil
	}

	out := make([]int64, len(vals))

	for i, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}

		out[i] = n
	}

	return out, nil
}
