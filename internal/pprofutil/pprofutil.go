// Package pprofutil runs the optional debug HTTP listener: pprof handlers
// and the Prometheus scrape endpoint.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Options struct {
	Addr string
	// AllowPublic permits a non-loopback bind.
	AllowPublic bool
	Pprof       bool
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on opts.Addr and serves in the background.
func Start(opts Options) (*Server, error) {
	if !opts.Pprof && opts.Gatherer == nil {
		return nil, errors.New("nothing to serve")
	}
	if !opts.AllowPublic && !isLoopbackBind(opts.Addr) {
		return nil, fmt.Errorf("debug listener must be loopback unless public binds are allowed: %s", opts.Addr)
	}
	mux := http.NewServeMux()
	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen failed: %w", err)
	}
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	log := opts.Logger.With().Str("component", "debughttp").Logger()
	log.Info().Str("addr", ln.Addr().String()).Bool("pprof", opts.Pprof).Bool("metrics", opts.Gatherer != nil).Msg("debug listener ready")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("debug listener stopped")
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
