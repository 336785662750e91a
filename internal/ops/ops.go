// Package ops serves the operational HTTP endpoint: liveness, a JSON stats
// snapshot, Prometheus metrics and optional pprof.
//
// Binding to a non-loopback address requires a token unless AllowInsecure
// is set. /healthz is always open so probes need no credentials.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/metrics"
	rtsup "dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/scheduler"
	"dispatchbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

type Config struct {
	Addr          string
	Token         string
	Pprof         bool
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Audience is the part of the store the stats page reads.
type Audience interface {
	CountActive(ctx context.Context) (int, error)
	CountBlocked(ctx context.Context) (int, error)
	CountTotal(ctx context.Context) (int, error)
}

// Sources feed the endpoints. Nil fields are skipped.
type Sources struct {
	Audience    Audience
	Tasks       func() []scheduler.TaskStatus
	Jobs        func() []delivery.JobStatus
	Supervisors map[string]*rtsup.Supervisor
	Metrics     *metrics.Metrics
	// Health reports readiness; an error turns /healthz into 503.
	Health func(ctx context.Context) error
}

type Server struct {
	cfg     Config
	src     Sources
	log     logx.Logger
	started time.Time

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	// WriteTimeout stays 0 unless set: pprof profiles stream for 30s.
	return &Server{cfg: cfg, src: src, log: log.With(logx.String("comp", "ops")), started: time.Now()}
}

// Handler builds the router. It is exported for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(pr chi.Router) {
		pr.Use(s.auth)
		pr.Get("/stats", s.handleStats)
		if s.src.Metrics != nil {
			pr.Handle("/metrics", s.src.Metrics.Handler())
		}
		if s.cfg.Pprof {
			pr.HandleFunc("/debug/pprof/", hpprof.Index)
			pr.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			pr.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			pr.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			pr.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			pr.HandleFunc("/debug/pprof/{name}", hpprof.Index)
		}
	})
	return r
}

// Start binds the listener and serves under a restart loop. A refused
// insecure bind is a configuration error and nothing is started.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return apperr.Config("ops.start", "ops.addr "+s.cfg.Addr+" is not loopback; set ops.token or ops.allow_insecure")
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("ops endpoint running without token on non-loopback addr", logx.String("addr", s.cfg.Addr))
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "ops.listen", err)
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.addr = ln.Addr().String()
	sup := s.sup
	s.mu.Unlock()

	first := ln
	sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var lerr error
			if l, lerr = net.Listen("tcp", s.cfg.Addr); lerr != nil {
				return lerr
			}
		}
		return s.serve(c, l)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("ops endpoint started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("ops stop incomplete", logx.Err(err))
	}
	s.log.Info("ops endpoint stopped")
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.src.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.src.Health(ctx); err != nil {
			s.log.Warn("health check failed", logx.Err(err))
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
