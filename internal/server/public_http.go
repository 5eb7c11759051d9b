package server

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/burrow-dev/burrow/internal/netutil"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

var (
	requestFirstChunkPool = sync.Pool{
		New: func() any {
			b := make([]byte, streamingThreshold+1)
			return &b
		},
	}
	requestStreamChunkPool = sync.Pool{
		New: func() any {
			b := make([]byte, streamingChunkSize)
			return &b
		},
	}
)

func (s *Server) proxyPublicHTTP(w http.ResponseWriter, r *http.Request, sess *session) {
	if s.cfg.MaxBodyBytes > 0 && r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	reqID := s.nextRequestID()
	if !sess.tryAcquirePending(maxPendingPerSession) {
		publicError(w, http.StatusServiceUnavailable, "tunnel overloaded")
		return
	}

	requestHeaders := tunnelproto.CloneHeaders(r.Header)
	netutil.RemoveHopByHopHeadersPreserveUpgrade(requestHeaders)
	injectForwardedProxyHeaders(requestHeaders, r)
	injectForwardedFor(requestHeaders, r.RemoteAddr)

	var capturedReqBody []byte
	captureBody := s.inspector != nil

	respCh := make(chan tunnelproto.Message, streamingChanSize)
	sess.pendingStore(reqID, respCh)
	defer func() {
		if sess.pendingDelete(reqID) {
			sess.releasePending()
		}
	}()

	if _, err := s.sendRequestBody(sess, reqID, r, requestHeaders, captureBody, &capturedReqBody); err != nil {
		s.abortPendingRequest(sess, reqID, respCh)
		if isBodyTooLargeError(err) {
			publicError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			publicError(w, http.StatusBadGateway, "tunnel write failed")
		}
		return
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	select {
	case msg, ok := <-respCh:
		if !ok || msg.Kind != tunnelproto.KindResponse || msg.Response == nil {
			publicError(w, http.StatusBadGateway, "tunnel closed")
			return
		}
		resp := msg.Response
		respHeaders := tunnelproto.CloneHeaders(resp.Headers)
		netutil.RemoveHopByHopHeadersPreserveUpgrade(respHeaders)
		for k, vals := range respHeaders {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.Status)

		var respBody []byte
		if resp.Streamed {
			var tee *captureWriter
			if s.inspector != nil {
				tee = newCaptureWriter(streamingThreshold)
			}
			if !s.writeStreamedResponseBody(w, r, respCh, s.cfg.RequestTimeout, tee) {
				s.abortPendingRequest(sess, reqID, respCh)
				return
			}
			if tee != nil {
				respBody = tee.Bytes()
			}
		} else {
			b, err := tunnelproto.DecodeBody(resp.BodyB64)
			if err == nil && len(b) > 0 {
				_, _ = w.Write(b)
			}
			respBody = b
		}

		if s.inspector != nil {
			s.inspector.record(capturedHTTPExchange(r, sess, capturedReqBody, requestHeaders, resp.Status, respHeaders, respBody))
		}
	case <-timer.C:
		s.abortPendingRequest(sess, reqID, respCh)
		publicError(w, http.StatusGatewayTimeout, "upstream timeout")
	case <-r.Context().Done():
		s.abortPendingRequest(sess, reqID, respCh)
	}
}

// sendRequestBody forwards the public request to the tunnel client. For
// small bodies (<= streamingThreshold) the body is inlined in the
// request message; larger bodies are streamed as binary req_body frames
// terminated by req_body_end. When capture is set, the inline body is
// copied into *captured for the inspector.
func (s *Server) sendRequestBody(sess *session, reqID string, r *http.Request, headers map[string][]string, capture bool, captured *[]byte) (bool, error) {
	requestTimeoutMs := int(s.cfg.RequestTimeout / time.Millisecond)
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	if r.Body == nil || r.Body == http.NoBody {
		return false, sess.writeJSON(tunnelproto.Message{
			Kind: tunnelproto.KindRequest,
			Request: &tunnelproto.HTTPRequest{
				ID:        reqID,
				Method:    r.Method,
				Path:      path,
				Headers:   headers,
				TimeoutMs: requestTimeoutMs,
			},
		})
	}
	defer func() { _ = r.Body.Close() }()

	// Read the first chunk plus one byte to decide inline vs streamed.
	firstBufRef := requestFirstChunkPool.Get().(*[]byte)
	firstBuf := (*firstBufRef)[:streamingThreshold+1]
	defer requestFirstChunkPool.Put(firstBufRef)
	n, readErr := io.ReadFull(r.Body, firstBuf)

	if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
		// The entire body fits within the threshold.
		if capture && n > 0 {
			*captured = append([]byte(nil), firstBuf[:n]...)
		}
		return false, sess.writeJSON(tunnelproto.Message{
			Kind: tunnelproto.KindRequest,
			Request: &tunnelproto.HTTPRequest{
				ID:        reqID,
				Method:    r.Method,
				Path:      path,
				Headers:   headers,
				BodyB64:   tunnelproto.EncodeBody(firstBuf[:n]),
				TimeoutMs: requestTimeoutMs,
			},
		})
	}
	if readErr != nil {
		return false, readErr
	}

	// Body exceeds threshold, stream it.
	if err := sess.writeJSON(tunnelproto.Message{
		Kind: tunnelproto.KindRequest,
		Request: &tunnelproto.HTTPRequest{
			ID:        reqID,
			Method:    r.Method,
			Path:      path,
			Headers:   headers,
			Streamed:  true,
			TimeoutMs: requestTimeoutMs,
		},
	}); err != nil {
		return true, err
	}
	if capture {
		*captured = append([]byte(nil), firstBuf[:n]...)
	}

	if err := sess.writeBinaryFrame(tunnelproto.BinaryFrameReqBody, reqID, 0, firstBuf[:n]); err != nil {
		return true, err
	}

	chunkBufRef := requestStreamChunkPool.Get().(*[]byte)
	chunkBuf := (*chunkBufRef)[:streamingChunkSize]
	defer requestStreamChunkPool.Put(chunkBufRef)
	for {
		cn, err := r.Body.Read(chunkBuf)
		if cn > 0 {
			if wErr := sess.writeBinaryFrame(tunnelproto.BinaryFrameReqBody, reqID, 0, chunkBuf[:cn]); wErr != nil {
				return true, wErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return true, err
		}
	}

	return true, sess.writeJSON(tunnelproto.Message{
		Kind:      tunnelproto.KindReqBodyEnd,
		StreamEnd: &tunnelproto.StreamEnd{ID: reqID},
	})
}

// writeStreamedResponseBody pulls resp_body chunks off the pending
// channel and writes them to w, flushing after each chunk. Returns true
// when the stream completed normally.
func (s *Server) writeStreamedResponseBody(w http.ResponseWriter, r *http.Request, respCh <-chan tunnelproto.Message, chunkTimeout time.Duration, tee *captureWriter) bool {
	flusher, canFlush := w.(http.Flusher)
	timer := time.NewTimer(chunkTimeout)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()

	for {
		select {
		case msg, ok := <-respCh:
			if !ok {
				return false // tunnel closed
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
				if err == nil && len(b) > 0 {
					if _, wErr := w.Write(b); wErr != nil {
						return false
					}
					if tee != nil {
						tee.Write(b)
					}
					if canFlush {
						flusher.Flush()
					}
				}
			case tunnelproto.KindRespBodyEnd:
				return msg.StreamEnd == nil || msg.StreamEnd.Error == ""
			}
		case <-timer.C:
			return false // chunk timeout
		case <-r.Context().Done():
			return false // public caller disconnected
		}
	}
}

func (s *Server) abortPendingRequest(sess *session, reqID string, respCh chan tunnelproto.Message) {
	if sess == nil || reqID == "" {
		return
	}
	if sess.pendingDelete(reqID) {
		sess.releasePending()
		if respCh != nil {
			close(respCh)
		}
	}
	_ = sess.cancelRequest(reqID)
}

func isBodyTooLargeError(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// captureWriter buffers up to limit bytes of a streamed body for the
// inspector, discarding the rest.
type captureWriter struct {
	buf   []byte
	limit int
}

func newCaptureWriter(limit int) *captureWriter {
	return &captureWriter{limit: limit}
}

func (c *captureWriter) Write(p []byte) {
	room := c.limit - len(c.buf)
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	c.buf = append(c.buf, p...)
}

func (c *captureWriter) Bytes() []byte { return c.buf }
