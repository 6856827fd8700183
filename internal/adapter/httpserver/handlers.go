// Package httpserver contains the HTTP edge: the three currency query
// endpoints, readiness probing and error mapping. Handlers stay thin; the
// correlation flow lives in the usecase layer.
package httpserver

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/EvgeniOk14/currency-rates-service/internal/config"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// replyPrefix frames every successful body. Existing front-ends match on
// this exact text, so it must be emitted byte-for-byte.
const replyPrefix = "По заданным параметрам успешно получен ответ : "

// QueryService is the edge's view of the correlation flow.
type QueryService interface {
	Query(ctx domain.Context, kind domain.QueryKind, argument string) (string, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Queries    QueryService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BusCheck   func(ctx context.Context) error
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, queries QueryService, dbCheck, redisCheck, busCheck func(ctx context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Queries:    queries,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		BusCheck:   busCheck,
	}
}

// AllRatesHandler serves GET /currencies/all.
func (s *Server) AllRatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleQuery(w, r, domain.KindAll, "")
	}
}

// SingleRateHandler serves GET /currencies/single/{code}.
func (s *Server) SingleRateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleQuery(w, r, domain.KindSingle, chi.URLParam(r, "code"))
	}
}

// FilterRatesHandler serves GET /currencies/filter/{list}.
func (s *Server) FilterRatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleQuery(w, r, domain.KindFilter, chi.URLParam(r, "list"))
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, kind domain.QueryKind, argument string) {
	lg := LoggerFrom(r)
	body, err := s.Queries.Query(r.Context(), kind, argument)
	if err != nil {
		lg.Warn("query failed",
			"kind", string(kind),
			"argument", argument,
			"error", err)
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, replyPrefix+body)
}

// ReadyzHandler returns a readiness handler probing Postgres, Redis and the
// bus brokers.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(ctx context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		probe("db", s.DBCheck)
		probe("redis", s.RedisCheck)
		probe("bus", s.BusCheck)

		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
