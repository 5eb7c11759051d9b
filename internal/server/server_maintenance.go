package server

import (
	"context"
	"time"

	"github.com/burrow-dev/burrow/internal/store/sqlite"
)

const (
	usedTokenRetention   = time.Hour
	tokenPurgeBatchLimit = 500
	inspectorRetentionBy = 24 * time.Hour
)

func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	bucketTicker := time.NewTicker(rateCleanupAge)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleSessions()
		case <-cleanupTicker.C:
			s.cleanupStaleResources(ctx)
			s.refreshUsageCounts(ctx)
			s.routes.cleanup()
		case <-bucketTicker.C:
			s.regLimiter.cleanup()
		}
	}
}

// expireStaleSessions force-closes sessions whose client has stopped
// pinging. Closing the websocket lets the session's readLoop run the
// normal teardown path.
func (s *Server) expireStaleSessions() {
	now := time.Now()

	s.hub.mu.RLock()
	sessions := make([]*session, 0, len(s.hub.sessions))
	for _, sess := range s.hub.sessions {
		sessions = append(sessions, sess)
	}
	s.hub.mu.RUnlock()

	for _, sess := range sessions {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) <= s.cfg.ClientPingTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		s.log.Warn("client heartbeat timeout",
			"connection_id", sess.connection.ID,
			"last_seen", lastSeen.UTC().Format(time.RFC3339))
		_ = sess.conn.Close()
	}
}

// refreshUsageCounts reloads the per-team counter cache from the
// store. It runs on the cleanup tick, plus once lazily if the stats
// endpoint is hit before the first tick fires.
func (s *Server) refreshUsageCounts(ctx context.Context) {
	usage, err := s.store.TeamUsageCounts(ctx)
	if err != nil {
		s.log.Error("usage count refresh failed", "err", err)
		return
	}
	s.usageMu.Lock()
	s.usage = usage
	s.usageMu.Unlock()
	s.usageLoaded.Store(true)
}

// teamUsage reads one team's cached counters. A team with no rows yet
// reads as all zeros.
func (s *Server) teamUsage(ctx context.Context, teamID string) sqlite.TeamUsage {
	if !s.usageLoaded.Load() {
		s.refreshUsageCounts(ctx)
	}
	s.usageMu.RLock()
	defer s.usageMu.RUnlock()
	return s.usage[teamID]
}

func (s *Server) cleanupStaleResources(ctx context.Context) {
	now := time.Now().UTC()

	closed, err := s.store.CloseUnclaimedConnections(ctx, now.Add(-s.cfg.ReservedClaimTTL))
	if err != nil {
		s.log.Error("unclaimed connection cleanup failed", "err", err)
	} else if closed > 0 {
		s.log.Info("unclaimed connections closed", "connections", closed)
	}

	if dropped := s.access.purgeOlderThan(now.Add(-s.cfg.ReservedClaimTTL)); dropped > 0 {
		s.log.Info("unclaimed tunnel passwords dropped", "reservations", dropped)
	}

	purged, err := s.store.PurgeStaleConnectTokens(ctx, now, now.Add(-usedTokenRetention), tokenPurgeBatchLimit)
	if err != nil {
		s.log.Error("connect token cleanup failed", "err", err)
	} else if purged > 0 {
		s.log.Info("stale connect tokens cleaned", "tokens", purged)
	}

	if s.inspector != nil {
		removed, err := s.store.PurgeInspectorRequests(ctx, now.Add(-inspectorRetentionBy))
		if err != nil {
			s.log.Error("inspector cleanup failed", "err", err)
		} else if removed > 0 {
			s.log.Info("old inspector captures purged", "requests", removed)
		}
	}
}
