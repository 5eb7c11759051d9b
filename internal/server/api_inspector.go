package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

type inspectorRequestView struct {
	ID              string              `json:"id"`
	Subdomain       string              `json:"subdomain"`
	Host            string              `json:"host"`
	Method          string              `json:"method"`
	URL             string              `json:"url"`
	Headers         map[string][]string `json:"headers"`
	Body            string              `json:"body,omitempty"`
	ResponseStatus  int                 `json:"response_status"`
	ResponseHeaders map[string][]string `json:"response_headers"`
	ResponseBody    string              `json:"response_body,omitempty"`
	IsReplayed      bool                `json:"is_replayed"`
	ParentID        string              `json:"parent_id,omitempty"`
	LoggedAt        string              `json:"logged_at"`
}

func viewForInspectorRequest(r domain.InspectorRequest) inspectorRequestView {
	return inspectorRequestView{
		ID:              r.ID,
		Subdomain:       r.Subdomain,
		Host:            r.Host,
		Method:          r.Method,
		URL:             r.URL,
		Headers:         r.Headers,
		Body:            tunnelproto.EncodeBody(r.Body),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    tunnelproto.EncodeBody(r.ResponseBody),
		IsReplayed:      r.IsReplayed,
		ParentID:        r.ParentID,
		LoggedAt:        r.LoggedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListInspectorTunnels(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	subs, err := s.store.ListInspectorSubdomains(r.Context(), user.TeamID)
	if err != nil {
		s.log.Error("inspector tunnel list failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if subs == nil {
		subs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": subs})
}

func (s *Server) handleListInspectorRequests(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	sub := r.PathValue("subdomain")
	if !domain.ValidSubdomain(sub) {
		writeAPIError(w, http.StatusBadRequest, "invalid subdomain")
		return
	}
	limit, offset, page := pageParams(r)
	reqs, err := s.store.ListInspectorRequests(r.Context(), user.TeamID, sub, limit, offset)
	if err != nil {
		s.log.Error("inspector request list failed", "subdomain", sub, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]inspectorRequestView, 0, len(reqs))
	for _, rec := range reqs {
		views = append(views, viewForInspectorRequest(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":  views,
		"page":      page,
		"page_size": limit,
	})
}

func (s *Server) handleGetInspectorRequest(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	rec, err := s.store.GetInspectorRequest(r.Context(), user.TeamID, r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.log.Error("inspector request fetch failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewForInspectorRequest(rec))
}

// handleReplayInspectorRequest re-sends a captured request through the
// subdomain's current live session. A failed replay leaves no record;
// a successful one is persisted linked to the original.
func (s *Server) handleReplayInspectorRequest(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	rec, err := s.store.GetInspectorRequest(r.Context(), user.TeamID, r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.log.Error("inspector request fetch failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	conn, err := s.store.GetActiveConnectionBySubdomain(r.Context(), rec.Subdomain)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "no active tunnel for subdomain")
		return
	}
	// The subdomain may have been re-registered by another team since
	// the capture was taken; never replay through their tunnel.
	if conn.TeamID != user.TeamID {
		writeAPIError(w, http.StatusServiceUnavailable, "no active tunnel for subdomain")
		return
	}
	sess := s.findSession(conn.ID)
	if sess == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "tunnel offline")
		return
	}

	status, respHeaders, respBody, err := s.replayExchange(r.Context(), sess, rec)
	if err != nil {
		s.log.Warn("replay failed", "subdomain", rec.Subdomain, "parent_id", rec.ID, "err", err)
		writeAPIError(w, http.StatusBadGateway, "replay failed")
		return
	}

	replayed := domain.InspectorRequest{
		ID:              domain.NewID(),
		TeamID:          rec.TeamID,
		Subdomain:       rec.Subdomain,
		Host:            rec.Host,
		Method:          rec.Method,
		URL:             rec.URL,
		Headers:         rec.Headers,
		Body:            rec.Body,
		ResponseStatus:  status,
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
		IsReplayed:      true,
		ParentID:        rec.ID,
		LoggedAt:        time.Now().UTC(),
	}
	if err := s.store.InsertInspectorRequest(r.Context(), replayed, s.cfg.InspectorRetention); err != nil {
		s.log.Error("replay record write failed", "subdomain", rec.Subdomain, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewForInspectorRequest(replayed))
}

// replayExchange relays one stored request over the session and
// collects the response. Streamed response bodies are truncated at the
// capture threshold, matching what live captures keep.
func (s *Server) replayExchange(ctx context.Context, sess *session, rec domain.InspectorRequest) (int, map[string][]string, []byte, error) {
	reqID := s.nextRequestID()
	if !sess.tryAcquirePending(maxPendingPerSession) {
		return 0, nil, nil, domain.NewConnectionError("replay", sess.connection.ID, domain.ErrTunnelUnavailable)
	}

	respCh := make(chan tunnelproto.Message, streamingChanSize)
	sess.pendingStore(reqID, respCh)
	defer func() {
		if sess.pendingDelete(reqID) {
			sess.releasePending()
		}
	}()

	if err := sess.writeJSON(tunnelproto.Message{
		Kind: tunnelproto.KindRequest,
		Request: &tunnelproto.HTTPRequest{
			ID:        reqID,
			Method:    rec.Method,
			Path:      rec.URL,
			Headers:   rec.Headers,
			BodyB64:   tunnelproto.EncodeBody(rec.Body),
			TimeoutMs: int(s.cfg.RequestTimeout / time.Millisecond),
		},
	}); err != nil {
		s.abortPendingRequest(sess, reqID, respCh)
		return 0, nil, nil, err
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-respCh:
		if !ok || msg.Kind != tunnelproto.KindResponse || msg.Response == nil {
			return 0, nil, nil, domain.NewConnectionError("replay", sess.connection.ID, domain.ErrTransportClosed)
		}
		resp := msg.Response
		if resp.Streamed {
			body, err := s.collectStreamedBody(ctx, respCh, s.cfg.RequestTimeout)
			if err != nil {
				s.abortPendingRequest(sess, reqID, respCh)
				return 0, nil, nil, err
			}
			return resp.Status, resp.Headers, body, nil
		}
		body, err := tunnelproto.DecodeBody(resp.BodyB64)
		if err != nil {
			return 0, nil, nil, err
		}
		return resp.Status, resp.Headers, body, nil
	case <-timer.C:
		s.abortPendingRequest(sess, reqID, respCh)
		return 0, nil, nil, domain.NewConnectionError("replay", sess.connection.ID, domain.ErrUpstreamTimeout)
	case <-ctx.Done():
		s.abortPendingRequest(sess, reqID, respCh)
		return 0, nil, nil, ctx.Err()
	}
}

func (s *Server) collectStreamedBody(ctx context.Context, respCh <-chan tunnelproto.Message, chunkTimeout time.Duration) ([]byte, error) {
	tee := newCaptureWriter(streamingThreshold)
	timer := time.NewTimer(chunkTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-respCh:
			if !ok {
				return nil, domain.ErrTransportClosed
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(chunkTimeout)

			switch msg.Kind {
			case tunnelproto.KindRespBody:
				if msg.BodyChunk == nil {
					continue
				}
				b, err := msg.BodyChunk.Payload()
				if err == nil {
					tee.Write(b)
				}
			case tunnelproto.KindRespBodyEnd:
				if msg.StreamEnd != nil && msg.StreamEnd.Error != "" {
					return nil, errors.New(msg.StreamEnd.Error)
				}
				return tee.Bytes(), nil
			}
		case <-timer.C:
			return nil, domain.ErrUpstreamTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
