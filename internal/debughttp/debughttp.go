// Package debughttp serves operator-only endpoints on a dedicated
// listener: the runtime pprof handlers plus a JSON process status
// snapshot. The listener is separate from the relay mux so none of
// this is ever reachable through a tunnel or the dashboard API.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Options configures the debug listener.
type Options struct {
	// Addr is the listen address. Empty disables the listener.
	Addr string
	Log  *slog.Logger
	// Status produces the payload served at /debug/status. Nil leaves
	// the endpoint unregistered.
	Status func() any
}

// Start binds the debug listener and serves until ctx is canceled. It
// returns once the listener is bound, so an occupied address fails at
// startup rather than in the background.
func Start(ctx context.Context, opts Options) error {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           newDebugMux(opts.Status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if opts.Log != nil {
			opts.Log.Info("debug endpoints listening", "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && opts.Log != nil {
			opts.Log.Error("debug listener failed", "err", err)
		}
	}()

	return nil
}

func newDebugMux(status func() any) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/pprof/", httppprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", httppprof.Trace)
	if status != nil {
		mux.HandleFunc("GET /debug/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(status())
		})
	}
	return mux
}
