package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/burrow-dev/burrow/internal/netutil"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

// startForward picks up one relayed HTTP request and serves it against
// the local upstream on its own goroutine, bounded by the forward
// semaphore.
func (s *session) startForward(req tunnelproto.HTTPRequest) {
	var body io.Reader
	if req.Streamed {
		pr, pw := io.Pipe()
		s.storeBodyWriter(req.ID, pw)
		body = pr
	} else if req.BodyB64 != "" {
		b, err := tunnelproto.DecodeBody(req.BodyB64)
		if err != nil {
			s.respondError(req.ID, http.StatusBadGateway, "malformed request body")
			return
		}
		body = bytes.NewReader(b)
	}

	fwdCtx, cancel := context.WithCancel(s.ctx)
	if req.TimeoutMs > 0 {
		fwdCtx, cancel = context.WithTimeout(s.ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	}
	s.storeCancel(req.ID, cancel)

	// The semaphore is taken on the forward goroutine, never on the
	// control-channel read loop: a full forward pool must not stall
	// body chunk delivery for requests already running.
	s.wg.Add(1)
	go func() {
		defer func() {
			if c, ok := s.deleteCancel(req.ID); ok {
				c()
			}
			if w, ok := s.deleteBodyWriter(req.ID); ok {
				_ = w.CloseWithError(io.ErrClosedPipe)
			}
			s.wg.Done()
		}()

		select {
		case s.sem <- struct{}{}:
		case <-fwdCtx.Done():
			return
		}
		defer func() { <-s.sem }()

		s.forwardLocal(fwdCtx, req, body)
	}()
}

// forwardLocal performs the request against 127.0.0.1:LocalPort and
// relays the response back, inline when small and as resp_body frames
// when large.
func (s *session) forwardLocal(ctx context.Context, req tunnelproto.HTTPRequest, body io.Reader) {
	target := s.localBase.String() + req.Path
	localReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		s.respondError(req.ID, http.StatusBadGateway, "invalid relayed request")
		return
	}
	for k, vv := range req.Headers {
		localReq.Header[k] = vv
	}
	netutil.RemoveHopByHopHeadersPreserveUpgrade(localReq.Header)
	localReq.Host = s.localBase.Host

	started := time.Now()
	resp, err := s.client.fwdClient.Do(localReq)
	if err != nil {
		if ctx.Err() != nil {
			return // relay cancelled the exchange, nothing to send back
		}
		s.client.log.Warn("local upstream request failed",
			"method", req.Method, "path", req.Path, "err", shortenError(err))
		s.respondError(req.ID, http.StatusBadGateway,
			fmt.Sprintf("local upstream unavailable on port %d", s.client.cfg.LocalPort))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respHeaders := tunnelproto.CloneHeaders(resp.Header)
	netutil.RemoveHopByHopHeadersPreserveUpgrade(respHeaders)

	// Peek past the inline threshold to decide between an inline body
	// and a streamed one.
	head := make([]byte, streamingThreshold+1)
	n, readErr := io.ReadFull(resp.Body, head)
	head = head[:n]
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		s.respondError(req.ID, http.StatusBadGateway, "local upstream read failed")
		return
	}

	if n <= streamingThreshold {
		_ = s.pump.WriteJSON(tunnelproto.Message{
			Kind: tunnelproto.KindResponse,
			Response: &tunnelproto.HTTPResponse{
				ID:      req.ID,
				Status:  resp.StatusCode,
				Headers: respHeaders,
				BodyB64: tunnelproto.EncodeBody(head),
			},
		})
		s.client.log.Debug("request forwarded",
			"method", req.Method, "path", req.Path,
			"status", resp.StatusCode, "took", time.Since(started).String())
		return
	}

	if err := s.pump.WriteJSON(tunnelproto.Message{
		Kind: tunnelproto.KindResponse,
		Response: &tunnelproto.HTTPResponse{
			ID:       req.ID,
			Status:   resp.StatusCode,
			Headers:  respHeaders,
			Streamed: true,
		},
	}); err != nil {
		return
	}
	s.streamResponseBody(req.ID, io.MultiReader(bytes.NewReader(head), resp.Body))
	s.client.log.Debug("request forwarded",
		"method", req.Method, "path", req.Path,
		"status", resp.StatusCode, "streamed", true, "took", time.Since(started).String())
}

// streamResponseBody copies r to the relay as binary resp_body frames
// followed by a resp_body_end terminator.
func (s *session) streamResponseBody(reqID string, r io.Reader) {
	buf := make([]byte, streamingChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.pump.WriteBinaryFrame(tunnelproto.BinaryFrameRespBody, reqID, 0, buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			_ = s.pump.WriteJSON(tunnelproto.Message{
				Kind:      tunnelproto.KindRespBodyEnd,
				StreamEnd: &tunnelproto.StreamEnd{ID: reqID},
			})
			return
		}
		if err != nil {
			_ = s.pump.WriteJSON(tunnelproto.Message{
				Kind:      tunnelproto.KindRespBodyEnd,
				StreamEnd: &tunnelproto.StreamEnd{ID: reqID, Error: "local upstream read failed"},
			})
			return
		}
	}
}

// respondError sends a plain-text error response for one exchange.
func (s *session) respondError(reqID string, status int, message string) {
	_ = s.pump.WriteJSON(tunnelproto.Message{
		Kind: tunnelproto.KindResponse,
		Response: &tunnelproto.HTTPResponse{
			ID:     reqID,
			Status: status,
			Headers: map[string][]string{
				"Content-Type": {"text/plain; charset=utf-8"},
			},
			BodyB64: tunnelproto.EncodeBody([]byte(message + "\n")),
		},
	})
}
