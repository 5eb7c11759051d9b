package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/burrow-dev/burrow/internal/debughttp"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second
	httpMaxHeaderBytes    = 1 << 20
)

// Run starts the relay server and background janitor. It blocks until
// ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	resetCount, err := s.store.ResetLiveConnections(ctx)
	if err != nil {
		return fmt.Errorf("reset live connections: %w", err)
	}
	if resetCount > 0 {
		s.log.Info("reconciled stale live connections", "count", resetCount)
	}

	err = debughttp.Start(ctx, debughttp.Options{
		Addr:   s.cfg.DebugAddr,
		Log:    s.log,
		Status: func() any { return s.stats.Snapshot() },
	})
	if err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}

	s.refreshUsageCounts(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.runJanitor(gctx)
		return nil
	})
	if s.inspector != nil {
		g.Go(func() error {
			s.inspector.run(gctx)
			return nil
		})
	}

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routesMux(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}

	g.Go(func() error {
		s.log.Info("relay server listening", "addr", s.cfg.ListenAddr, "domain", s.cfg.BaseDomain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.closeAllSessions()
		return shutdownServer(srv, 5*time.Second)
	})

	err = g.Wait()
	waitGroupWait(&s.hub.wg, 15*time.Second)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// routesMux wires control, API, and public routes. Control and API
// routes are pinned to the base domain host so a tunneled app's own
// /api paths still proxy through.
func (s *Server) routesMux() *http.ServeMux {
	base := s.cfg.BaseDomain

	mux := http.NewServeMux()
	mux.HandleFunc(base+"/v1/tunnels/register", s.handleRegister)
	mux.HandleFunc(base+"/v1/tunnels/connect", s.handleConnect)
	mux.HandleFunc(base+"/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET "+base+"/api/v1/connections", s.requireTeamUser(s.handleListConnections))
	mux.HandleFunc("GET "+base+"/api/v1/team/users", s.requireTeamUser(s.handleListTeamUsers))
	mux.HandleFunc("POST "+base+"/api/v1/team/add", s.requireTeamUser(s.handleAddTeamUser))
	mux.HandleFunc("PATCH "+base+"/api/v1/user/me/rotate-secret-key", s.requireTeamUser(s.handleRotateSecretKey))
	mux.HandleFunc("GET "+base+"/api/v1/config/stats", s.requireTeamUser(s.handleStats))
	mux.HandleFunc("GET "+base+"/api/v1/config/setup-script", s.requireTeamUser(s.handleSetupScript))
	mux.HandleFunc("GET "+base+"/api/v1/inspector/tunnels", s.requireTeamUser(s.handleListInspectorTunnels))
	mux.HandleFunc("GET "+base+"/api/v1/inspector/tunnels/{subdomain}/requests", s.requireTeamUser(s.handleListInspectorRequests))
	mux.HandleFunc("GET "+base+"/api/v1/inspector/requests/{id}", s.requireTeamUser(s.handleGetInspectorRequest))
	mux.HandleFunc("POST "+base+"/api/v1/inspector/requests/{id}/replay", s.requireTeamUser(s.handleReplayInspectorRequest))

	mux.HandleFunc("/", s.handlePublic)
	return mux
}

func (s *Server) closeAllSessions() {
	s.hub.mu.RLock()
	sessions := make([]*session, 0, len(s.hub.sessions))
	for _, sess := range s.hub.sessions {
		sessions = append(sessions, sess)
	}
	s.hub.mu.RUnlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}
