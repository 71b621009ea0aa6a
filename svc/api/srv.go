package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"mdbin/cfg"
	"mdbin/svc/assoc"
	"mdbin/svc/db"
	"mdbin/svc/lim"
	"mdbin/svc/svc"
	"mdbin/svc/util"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

type Deps struct {
	Paste    *svc.Paste
	Resolver *assoc.Resolver
	Limiter  *lim.Limiter
	DB       *db.SQLite
	// Redis is optional.
	Redis *db.Redis
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, db: d.DB, rdb: d.Redis}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, d.Resolver, c)

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	hdl := &Hdl{paste: d.Paste, resolver: d.Resolver, cfg: c}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.ErrorRate)
		r.Use(mw.Session)

		r.With(mw.RateLimit("read")).Get("/p/*", hdl.PageView)

		r.Route("/api", func(r chi.Router) {
			r.Use(mw.JSONContentType)
			r.With(mw.RateLimit("create")).Post("/new", hdl.CreatePaste)
			r.With(mw.RateLimit("read")).Get("/get/*", hdl.GetPaste)
			r.With(mw.RateLimit("write")).Post("/edit", hdl.EditPaste)
			r.With(mw.RateLimit("write")).Post("/delete", hdl.DeletePaste)
			r.With(mw.RateLimit("write")).Post("/metadata", hdl.EditMetadata)
			r.With(mw.RateLimit("auth")).Post("/source", hdl.GetSource)
			r.With(mw.RateLimit("auth")).Post("/decrypt", hdl.Decrypt)
			r.With(mw.RateLimit("create")).Post("/comments/new", hdl.CreateComment)
			r.With(mw.RateLimit("read")).Get("/comments/*", hdl.ListComments)
			r.With(mw.RateLimit("write")).Post("/comments/delete", hdl.DeleteComment)
			r.With(mw.RateLimit("auth")).Post("/associate", hdl.Associate)
			r.With(mw.RateLimit("write")).Post("/disassociate", hdl.Disassociate)
			r.With(mw.RateLimit("auth")).Post("/sessions/revoke", hdl.RevokeSessions)
			r.Get("/whoami", hdl.WhoAmI)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.JSONContentType)
			r.Use(mw.RateLimit("auth"))
			r.Post("/logs/query", hdl.QueryLogs)
			r.Post("/logs/delete", hdl.DeleteLog)
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
