// Package server serves the build output during development and pushes
// reload events to connected browsers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iedon/assetpipe/config"
	"github.com/iedon/assetpipe/logfields"
	"github.com/iedon/assetpipe/metrics"
)

// Options carries the optional collaborators of a Server.
type Options struct {
	Recorder       metrics.Recorder
	MetricsHandler http.Handler
	ServerHeader   string
}

// Server serves one output directory with live reload.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	recorder     metrics.Recorder
	hub          *Hub
	metrics      http.Handler
	serverHeader string

	mu        sync.RWMutex
	lastRun   time.Time
	lastError string
}

// New constructs a server instance.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	heartbeat := time.Duration(cfg.Server.HeartbeatInterval) * time.Second
	return &Server{
		cfg:          cfg,
		logger:       logger,
		recorder:     opts.Recorder,
		hub:          NewHub(heartbeat, logger),
		metrics:      opts.MetricsHandler,
		serverHeader: strings.TrimSpace(opts.ServerHeader),
	}
}

// Notify broadcasts the outcome of a finished run. A failed run still reaches
// the browser as an error event so stale content is shown knowingly.
func (s *Server) Notify(err error) {
	s.recorder.IncReloads()
	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.hub.BroadcastError(err.Error())
		return
	}
	s.hub.Broadcast(uuid.NewString())
	s.logger.Info("reload sent", "clients", s.hub.Clients())
}

// Handler returns the HTTP handler serving dir.
func (s *Server) Handler(dir string) http.Handler {
	mux := http.NewServeMux()
	if s.cfg.Server.LiveReload {
		mux.Handle("/livereload", s.hub)
		mux.HandleFunc("/livereload.js", s.handleScript)
	}
	if s.cfg.Server.Metrics && s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/_status", s.handleStatus)

	var static http.Handler = s.serveStatic(dir)
	if s.cfg.Server.LiveReload {
		static = injectReloadScript(static)
	}
	mux.Handle("/", static)

	var h http.Handler = mux
	if s.cfg.Server.NoCache {
		h = withNoCache(h)
	}
	return s.withServerHeader(s.logRequests(h))
}

// Serve listens on the configured address and serves dir until ctx is done.
func (s *Server) Serve(ctx context.Context, dir string) error {
	listener, err := s.listen(s.cfg.Server.Listen)
	if err != nil {
		return err
	}

	// no write timeout: live reload streams stay open
	server := &http.Server{
		Handler:           s.Handler(dir),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.hub.Shutdown()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxShutdown)
		close(shutdownDone)
	}()

	s.logger.Info("serving", "address", listener.Addr().String(), logfields.Output(dir))
	serveErr := server.Serve(listener)
	if errors.Is(serveErr, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return serveErr
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	if _, err := w.Write([]byte(reloadScript)); err != nil {
		s.logger.Debug("livereload script", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.RLock()
	payload := map[string]any{
		"clients":   s.hub.Clients(),
		"lastError": s.lastError,
	}
	if !s.lastRun.IsZero() {
		payload["lastRun"] = s.lastRun.UTC().Format(time.RFC3339)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) serveStatic(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		target, ok := resolveStatic(dir, r.URL.Path)
		if !ok {
			s.notFound(w, r, dir)
			return
		}
		file, err := os.Open(target)
		if err != nil {
			s.notFound(w, r, dir)
			return
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), file)
	}
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request, dir string) {
	page, err := os.ReadFile(filepath.Join(dir, "404.html"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(page)
}

// resolveStatic maps a request path onto a file below dir: directories serve
// their index.html and extensionless paths fall back to a .html file.
func resolveStatic(dir, requestPath string) (string, bool) {
	clean := sanitizeRequestPath(requestPath)
	target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	if !isWithin(dir, target) {
		return "", false
	}
	candidates := []string{target}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		candidates = []string{filepath.Join(target, "index.html")}
	} else if path.Ext(clean) == "" {
		candidates = append(candidates, target+".html")
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

func withNoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listen(address string) (net.Listener, error) {
	if listener, ok, err := s.systemdListener(); err != nil {
		return nil, err
	} else if ok {
		return listener, nil
	}
	if after, ok := strings.CutPrefix(address, "unix:"); ok {
		path := after
		_ = os.Remove(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", address)
}

func (s *Server) systemdListener() (net.Listener, bool, error) {
	pidEnv := strings.TrimSpace(os.Getenv("LISTEN_PID"))
	if pidEnv == "" {
		return nil, false, nil
	}
	pid, err := strconv.Atoi(pidEnv)
	if err != nil || pid != os.Getpid() {
		return nil, false, nil
	}
	fdsEnv := strings.TrimSpace(os.Getenv("LISTEN_FDS"))
	if fdsEnv == "" {
		return nil, false, nil
	}
	fds, err := strconv.Atoi(fdsEnv)
	if err != nil {
		return nil, false, fmt.Errorf("systemd listener: invalid LISTEN_FDS: %w", err)
	}
	if fds <= 0 {
		return nil, false, nil
	}
	const sdListenFdsStart = 3
	file := os.NewFile(uintptr(sdListenFdsStart), fmt.Sprintf("systemd-fd-%d", sdListenFdsStart))
	if file == nil {
		return nil, false, fmt.Errorf("systemd listener: failed to access fd")
	}
	listener, err := net.FileListener(file)
	_ = file.Close()
	if err != nil {
		return nil, false, fmt.Errorf("systemd listener: %w", err)
	}
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
	return listener, true, nil
}

func (s *Server) withServerHeader(next http.Handler) http.Handler {
	if s.serverHeader == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverHeader)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("http", "method", r.Method, "path", r.URL.Path, "status", rw.status, logfields.Duration(time.Since(start)))
	})
}

func isWithin(base, target string) bool {
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	return true
}

func sanitizeRequestPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if clean == "." {
		return "/"
	}
	return clean
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working behind the logging wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
