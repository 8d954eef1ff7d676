// Package server exposes balances and the spawn view over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pario-ai/profilequota/pkg/ledger"
	"github.com/pario-ai/profilequota/pkg/models"
	"github.com/pario-ai/profilequota/pkg/quota"
)

const defaultUsageLimit = 100

// Server is the quota HTTP API.
type Server struct {
	addr   string
	engine *quota.Engine
	ledger ledger.Ledger
	log    *zap.Logger
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	log      *zap.Logger
	gatherer prometheus.Gatherer
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *serverOptions) { o.log = l }
}

// WithGatherer serves the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *serverOptions) { o.gatherer = g }
}

// New creates a Server listening on addr.
func New(addr string, e *quota.Engine, l ledger.Ledger, opts ...Option) *Server {
	o := serverOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		addr:   addr,
		engine: e,
		ledger: l,
		log:    o.log,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/users/{user}/profiles", s.handleProfiles)
	s.mux.HandleFunc("GET /v1/users/{user}/balances", s.handleBalances)
	s.mux.HandleFunc("GET /v1/users/{user}/usage", s.handleUsage)
	if o.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("quota api listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	q := r.URL.Query()
	isAdmin, err := boolParam(q.Get("admin"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid admin parameter")
		return
	}
	all, err := boolParam(q.Get("all"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid all parameter")
		return
	}

	ctx := r.Context()
	if err := s.engine.UpdateBalances(ctx, user, isAdmin); err != nil {
		s.internalError(w, "updating balances", user, err)
		return
	}

	var views []models.ProfileView
	if all {
		views, err = s.engine.ProfilesByBalance(ctx, user, isAdmin)
	} else {
		views, err = s.engine.SpawnView(ctx, user, isAdmin)
	}
	if err != nil {
		s.internalError(w, "building profile view", user, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	records, err := s.ledger.Balances(r.Context(), user)
	if err != nil {
		s.internalError(w, "listing balances", user, err)
		return
	}
	if records == nil {
		records = []models.BalanceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	q := models.UsageQuery{
		User:        user,
		ProfileSlug: r.URL.Query().Get("profile"),
		Limit:       defaultUsageLimit,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		q.Limit = n
	}

	entries, err := s.ledger.Usage(r.Context(), q)
	if err != nil {
		s.internalError(w, "reading usage", user, err)
		return
	}
	if entries == nil {
		entries = []models.UsageEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) internalError(w http.ResponseWriter, msg, user string, err error) {
	s.log.Error(msg, zap.String("user", user), zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg+" failed")
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
