// Package debughttp serves the optional operator endpoints: liveness,
// Prometheus metrics, runtime state and pprof.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "calenbot/internal/runtime/supervisor"
	logx "calenbot/pkg/logx"
)

// Config controls the debug HTTP server.
//
// A non-loopback Addr without Token is refused.
type Config struct {
	Addr    string
	Token   string
	Prefix  string // pprof prefix, default /debug/pprof/
	Pprof   bool
	Metrics http.Handler // nil disables /metrics

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StateFunc reports one section of /debug/state.
type StateFunc func() any

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	state map[string]StateFunc
	ln    net.Listener
	srv   *http.Server
	sup   *rtsup.Supervisor
	addr  string
	ready chan struct{}
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "debughttp")),
		state: map[string]StateFunc{},
		ready: make(chan struct{}),
	}
}

// AddState registers a named section of /debug/state. Call before Start.
func (s *Server) AddState(name string, fn StateFunc) {
	s.mu.Lock()
	s.state[name] = fn
	s.mu.Unlock()
}

// Addr is the bound address once the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed after the first successful listen.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Supervisor returns the server's supervisor, nil before Start.
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start runs the server under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	// The debug server must never take the bot down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishErrors(),
		rtsup.WithBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down, waiting at most until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("debug server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if strings.TrimSpace(cur.Token) == "" && !isLoopbackAddr(addr) {
		s.log.Error("debug server refused: non-loopback addr requires token", logx.String("addr", addr))
		return errors.New("debughttp: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv, s.addr = ln, srv, ln.Addr().String()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("metrics", cur.Metrics != nil),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debughttp: server exited unexpectedly")
	}
	return err
}

// Handler builds the mux. Every route, /healthz included, sits behind the
// token when one is set.
func (s *Server) Handler() http.Handler {
	cur := s.cfg
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/debug/state", wrap(s.serveState))
	if cur.Metrics != nil {
		mux.Handle("/metrics", wrap(cur.Metrics.ServeHTTP))
	}
	if cur.Pprof {
		prefix := normalizePrefix(cur.Prefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
		mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
		})
	}
	return mux
}

func (s *Server) serveState(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.state))
	for n := range s.state {
		names = append(names, n)
	}
	fns := make(map[string]StateFunc, len(s.state))
	for n, fn := range s.state {
		fns[n] = fn
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]any, len(names)+1)
	out["time"] = time.Now().UTC()
	for _, n := range names {
		out[n] = fns[n]()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		s.log.Warn("state encode failed", logx.Err(err))
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token> or ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
