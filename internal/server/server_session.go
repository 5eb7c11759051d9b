package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

// handleConnect upgrades the client's control-channel dial. The
// single-use connect token issued at registration is the only
// credential; consuming it flips the connection reserved -> active.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	connectionID, err := s.store.ConsumeConnectToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	connRec, err := s.store.GetConnection(r.Context(), connectionID)
	if err != nil {
		http.Error(w, "unknown connection", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	if err := s.store.MarkConnectionActive(r.Context(), connectionID); err != nil {
		_ = conn.Close()
		s.log.Error("failed to activate connection", "connection_id", connectionID, "err", err)
		return
	}
	connRec.Status = domain.ConnectionStatusActive
	// Evict any stale cached route entry so the next public request
	// reflects the newly active state.
	s.routes.deleteByConnectionID(connectionID)

	sess := &session{
		connection: connRec,
		createdBy:  connRec.CreatedBy,
		conn:       conn,
		pump:       tunnelproto.NewWritePump(conn, wsWriteTimeout, pumpControlQueueSize, pumpBulkQueueSize),
		pending:    make(map[string]chan tunnelproto.Message),
		streams:    make(map[string]chan tunnelproto.Message),
		accessHash: s.access.claim(connectionID),
	}
	wsReadLimit := s.cfg.MaxBodyBytes * 2
	if wsReadLimit < minWSReadLimit {
		wsReadLimit = minWSReadLimit
	}
	sess.conn.SetReadLimit(wsReadLimit)
	sess.touch(time.Now())

	if connRec.Type == domain.ConnectionTypeTCP {
		if err := s.startTCPListener(sess); err != nil {
			_ = conn.Close()
			sess.pump.Close()
			s.closeConnectionRecord(connectionID)
			s.log.Error("failed to open tunnel port", "connection_id", connectionID, "port", connRec.Port, "err", err)
			return
		}
	}

	s.hub.mu.Lock()
	s.hub.sessions[connectionID] = sess
	s.hub.mu.Unlock()
	s.stats.SessionOpened()
	s.log.Info("tunnel connected",
		"connection_id", connectionID, "type", connRec.Type,
		"subdomain", connRec.Subdomain, "port", connRec.Port)

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	defer func() {
		if sess.tcpListener != nil {
			_ = sess.tcpListener.Close()
		}
		_ = sess.conn.Close()
		sess.pump.Close()
		sess.closePending()
		sess.closeStreams()
		s.hub.mu.Lock()
		delete(s.hub.sessions, sess.connection.ID)
		s.hub.mu.Unlock()
		s.routes.deleteByConnectionID(sess.connection.ID)
		s.closeConnectionRecord(sess.connection.ID)
		s.stats.SessionClosed()
		s.log.Info("tunnel disconnected", "connection_id", sess.connection.ID)
	}()

	for {
		msg, err := tunnelproto.ReadWSMessage(sess.conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("tunnel read error", "connection_id", sess.connection.ID, "err", err)
			}
			return
		}
		sess.touch(time.Now())

		switch msg.Kind {
		case tunnelproto.KindResponse:
			if msg.Response == nil {
				continue
			}
			if msg.Response.Streamed {
				// Streamed: deliver the header message but keep the
				// pending entry open for subsequent body chunks.
				if ch, ok := sess.pendingLoad(msg.Response.ID); ok {
					select {
					case ch <- *msg:
					default:
					}
				}
			} else {
				if ch, ok := sess.pendingLoadAndDelete(msg.Response.ID); ok {
					sess.releasePending()
					select {
					case ch <- *msg:
					default:
					}
					close(ch)
				}
			}
		case tunnelproto.KindRespBody:
			if msg.BodyChunk == nil {
				continue
			}
			if ch, ok := sess.pendingLoad(msg.BodyChunk.ID); ok {
				if !streamSend(ch, *msg, streamBodySendTimeout) {
					s.log.Warn("stream consumer too slow, aborting",
						"connection_id", sess.connection.ID, "req_id", msg.BodyChunk.ID)
					if sess.pendingDelete(msg.BodyChunk.ID) {
						sess.releasePending()
						close(ch)
					}
				}
			}
		case tunnelproto.KindRespBodyEnd:
			if msg.StreamEnd == nil {
				continue
			}
			if ch, ok := sess.pendingLoadAndDelete(msg.StreamEnd.ID); ok {
				sess.releasePending()
				select {
				case ch <- *msg:
				default:
				}
				close(ch)
			}
		case tunnelproto.KindWSOpenAck:
			if msg.WSOpenAck == nil {
				continue
			}
			if !sess.streamSendTo(msg.WSOpenAck.ID, *msg, wsControlDispatchWait) {
				s.log.Debug("dropped websocket open ack for stalled stream",
					"connection_id", sess.connection.ID, "stream_id", msg.WSOpenAck.ID)
			}
		case tunnelproto.KindWSData:
			if msg.WSData == nil {
				continue
			}
			if !sess.streamSendTo(msg.WSData.ID, *msg, wsDataDispatchWait) {
				s.log.Warn("closing tunnel due to websocket stream backpressure",
					"connection_id", sess.connection.ID, "stream_id", msg.WSData.ID)
				return
			}
		case tunnelproto.KindWSClose:
			if msg.WSClose == nil {
				continue
			}
			if !sess.streamSendTo(msg.WSClose.ID, *msg, wsControlDispatchWait) {
				s.log.Debug("dropped websocket close for stalled stream",
					"connection_id", sess.connection.ID, "stream_id", msg.WSClose.ID)
			}
		case tunnelproto.KindTCPOpenAck:
			if msg.TCPOpenAck == nil {
				continue
			}
			if !sess.streamSendTo(msg.TCPOpenAck.ID, *msg, wsControlDispatchWait) {
				s.log.Debug("dropped tcp open ack for stalled stream",
					"connection_id", sess.connection.ID, "stream_id", msg.TCPOpenAck.ID)
			}
		case tunnelproto.KindTCPData:
			if msg.TCPData == nil {
				continue
			}
			if !sess.streamSendTo(msg.TCPData.ID, *msg, tcpDataDispatchWait) {
				s.log.Warn("closing tunnel due to tcp stream backpressure",
					"connection_id", sess.connection.ID, "stream_id", msg.TCPData.ID)
				return
			}
		case tunnelproto.KindTCPClose:
			if msg.TCPClose == nil {
				continue
			}
			if !sess.streamSendTo(msg.TCPClose.ID, *msg, wsControlDispatchWait) {
				s.log.Debug("dropped tcp close for stalled stream",
					"connection_id", sess.connection.ID, "stream_id", msg.TCPClose.ID)
			}
		case tunnelproto.KindPing:
			_ = sess.writeJSON(tunnelproto.Message{Kind: tunnelproto.KindPong})
		}
	}
}

// closeConnectionRecord marks a connection closed, tolerating server
// shutdown contexts.
func (s *Server) closeConnectionRecord(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.MarkConnectionClosed(ctx, connectionID); err != nil {
		s.log.Error("failed to close connection record", "connection_id", connectionID, "err", err)
	}
}

// authenticate resolves the Bearer secret key on r to a team user.
func (s *Server) authenticate(r *http.Request) (domain.TeamUser, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return domain.TeamUser{}, false
	}
	key := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if key == "" {
		return domain.TeamUser{}, false
	}
	h := auth.HashSecretKey(key, s.cfg.SecretKeyPepper)
	user, err := s.store.GetTeamUserBySecretKeyHash(r.Context(), h)
	if err != nil {
		return domain.TeamUser{}, false
	}
	if slug := strings.TrimSpace(r.Header.Get("X-Team-Slug")); slug != "" && slug != user.TeamSlug {
		return domain.TeamUser{}, false
	}
	return user, true
}

func (s *session) writeJSON(msg tunnelproto.Message) error {
	return s.pump.WriteJSON(msg)
}

func (s *session) writeBinaryFrame(frameKind byte, id string, wsMessageType int, payload []byte) error {
	return s.pump.WriteBinaryFrame(frameKind, id, wsMessageType, payload)
}

func (s *session) writeWSData(streamID string, messageType int, payload []byte) error {
	return s.writeBinaryFrame(tunnelproto.BinaryFrameWSData, streamID, messageType, payload)
}

func (s *session) writeTCPData(streamID string, payload []byte) error {
	return s.writeBinaryFrame(tunnelproto.BinaryFrameTCPData, streamID, 0, payload)
}

func (s *session) cancelRequest(reqID string) error {
	return s.writeJSON(tunnelproto.Message{
		Kind:   tunnelproto.KindCancel,
		Cancel: &tunnelproto.Cancel{ID: reqID},
	})
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

func (s *session) closePending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		s.pendingCount.Add(-1)
		close(ch)
	}
	s.pendingMu.Unlock()
}

func (s *session) pendingStore(id string, ch chan tunnelproto.Message) {
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
}

func (s *session) pendingLoad(id string) (chan tunnelproto.Message, bool) {
	s.pendingMu.RLock()
	ch, ok := s.pending[id]
	s.pendingMu.RUnlock()
	return ch, ok
}

func (s *session) pendingLoadAndDelete(id string) (chan tunnelproto.Message, bool) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	return ch, ok
}

func (s *session) pendingDelete(id string) bool {
	s.pendingMu.Lock()
	_, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	return ok
}

func (s *session) tryAcquirePending(limit int64) bool {
	if limit <= 0 {
		return true
	}
	next := s.pendingCount.Add(1)
	if next <= limit {
		return true
	}
	s.pendingCount.Add(-1)
	return false
}

func (s *session) releasePending() {
	s.pendingCount.Add(-1)
}

func (s *session) streamStore(id string, ch chan tunnelproto.Message) {
	s.streamsMu.Lock()
	s.streams[id] = ch
	s.streamsMu.Unlock()
}

func (s *session) streamLoad(id string) (chan tunnelproto.Message, bool) {
	s.streamsMu.RLock()
	ch, ok := s.streams[id]
	s.streamsMu.RUnlock()
	return ch, ok
}

func (s *session) streamDelete(id string) {
	s.streamsMu.Lock()
	delete(s.streams, id)
	s.streamsMu.Unlock()
}

func (s *session) closeStreams() {
	s.streamsMu.Lock()
	for id, ch := range s.streams {
		delete(s.streams, id)
		close(ch)
	}
	s.streamsMu.Unlock()
}

// streamSendTo dispatches msg to the stream's channel. A missing stream
// is not an error: the public side may have gone away already.
func (s *session) streamSendTo(id string, msg tunnelproto.Message, wait time.Duration) bool {
	ch, ok := s.streamLoad(id)
	if !ok {
		return true
	}
	return streamSend(ch, msg, wait)
}

// streamSend attempts to write msg to ch without blocking the read loop
// for too long.
func streamSend(ch chan tunnelproto.Message, msg tunnelproto.Message, wait time.Duration) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}
