// Package debug serves /healthz and, optionally, pprof on a side port.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	rtsup "botwatch/internal/runtime/supervisor"
	logx "botwatch/pkg/logx"
)

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	MutexProfileFraction int
	BlockProfileRate     int
}

// Check reports one component's state and whether it counts as healthy.
type Check func(ctx context.Context) (state string, ok bool)

type Server struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	checks map[string]Check
	ln     net.Listener
	srv    *http.Server
	sup    *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	return &Server{cfg: cfg, log: log, checks: map[string]Check{}}
}

// AddCheck registers a named health check. Later registrations replace.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// Handler returns the router. Start serves it; tests may mount it directly.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.withAuth(s.health)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz/{name}", s.withAuth(s.healthOne)).Methods(http.MethodGet)
	if s.cfg.Pprof {
		pp := r.PathPrefix("/debug/pprof").Subrouter()
		pp.HandleFunc("/cmdline", s.withAuth(hpprof.Cmdline))
		pp.HandleFunc("/profile", s.withAuth(hpprof.Profile))
		pp.HandleFunc("/symbol", s.withAuth(hpprof.Symbol))
		pp.HandleFunc("/trace", s.withAuth(hpprof.Trace))
		// Index also serves named profiles such as /debug/pprof/heap
		pp.PathPrefix("/").HandlerFunc(s.withAuth(hpprof.Index))
	}
	return r
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Time   time.Time         `json:"time"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	for n := range s.checks {
		names = append(names, n)
	}
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := healthBody{Status: "ok", Checks: map[string]string{}, Time: time.Now().UTC()}
	for _, n := range names {
		state, ok := checks[n](ctx)
		body.Checks[n] = state
		if !ok {
			body.Status = "degraded"
		}
	}
	writeHealth(w, body)
}

func writeHealth(w http.ResponseWriter, body healthBody) {
	code := http.StatusOK
	if body.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) healthOne(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	check, ok := s.checks[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	state, healthy := check(ctx)
	body := healthBody{Status: "ok", Checks: map[string]string{name: state}, Time: time.Now().UTC()}
	if !healthy {
		body.Status = "degraded"
	}
	writeHealth(w, body)
}

// Start binds the listener and serves until Stop or ctx is done. A
// non-loopback address without a token is refused unless AllowInsecure.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("debug server refused: non-loopback addr requires token or allow_insecure")
	}
	if s.cfg.Pprof {
		runtime.SetMutexProfileFraction(s.cfg.MutexProfileFraction)
		runtime.SetBlockProfileRate(s.cfg.BlockProfileRate)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	// WriteTimeout stays 0 so /profile (30s by default) completes.
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("debug.serve", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("debug server stopped")
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == tok {
			h(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
