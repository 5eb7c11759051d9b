package client

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

// openLocalWebSocket dials the local upstream's websocket endpoint for
// one relayed public websocket and starts pumping its reads back.
func (s *session) openLocalWebSocket(open tunnelproto.WSOpen) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		target := "ws://" + s.localBase.Host + open.Path
		headers := http.Header{}
		for k, vv := range open.Headers {
			if isWebSocketHandshakeHeader(k) {
				continue
			}
			headers[http.CanonicalHeaderKey(k)] = vv
		}
		headers.Set("Host", s.localBase.Host)

		dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
		localConn, resp, err := dialer.DialContext(s.ctx, target, headers)
		if err != nil {
			msg := "websocket dial failed"
			if resp != nil {
				msg = "local upstream refused websocket upgrade: " + resp.Status
			}
			_ = s.pump.WriteJSON(tunnelproto.Message{
				Kind:      tunnelproto.KindWSOpenAck,
				WSOpenAck: &tunnelproto.WSOpenAck{ID: open.ID, OK: false, Error: msg},
			})
			return
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		s.mu.Lock()
		s.wsConns[open.ID] = localConn
		s.mu.Unlock()

		if err := s.pump.WriteJSON(tunnelproto.Message{
			Kind:      tunnelproto.KindWSOpenAck,
			WSOpenAck: &tunnelproto.WSOpenAck{ID: open.ID, OK: true},
		}); err != nil {
			s.closeLocalWebSocketConn(open.ID)
			return
		}

		s.relayLocalWSReads(open.ID, localConn)
	}()
}

// relayLocalWSReads pumps messages from the local websocket to the
// relay until the local side closes.
func (s *session) relayLocalWSReads(streamID string, localConn *websocket.Conn) {
	defer s.closeLocalWebSocketConn(streamID)
	for {
		msgType, payload, err := localConn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseNormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			_ = s.pump.WriteJSON(tunnelproto.Message{
				Kind:    tunnelproto.KindWSClose,
				WSClose: &tunnelproto.WSClose{ID: streamID, Code: code, Reason: reason},
			})
			return
		}
		if err := s.pump.WriteBinaryFrame(tunnelproto.BinaryFrameWSData, streamID, msgType, payload); err != nil {
			return
		}
	}
}

// forwardWSData delivers one relayed public message to the local
// websocket.
func (s *session) forwardWSData(data *tunnelproto.WSData) {
	s.mu.Lock()
	localConn, ok := s.wsConns[data.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	payload, err := data.Payload()
	if err != nil {
		return
	}
	if err := localConn.WriteMessage(data.MessageType, payload); err != nil {
		s.closeLocalWebSocketConn(data.ID)
	}
}

// closeLocalWebSocket handles a relayed close: mirror it to the local
// upstream with the original close code, then drop the stream.
func (s *session) closeLocalWebSocket(cl *tunnelproto.WSClose) {
	s.mu.Lock()
	localConn, ok := s.wsConns[cl.ID]
	if ok {
		delete(s.wsConns, cl.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	code := cl.Code
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = localConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, cl.Reason),
		time.Now().Add(5*time.Second),
	)
	_ = localConn.Close()
}

func (s *session) closeLocalWebSocketConn(streamID string) {
	s.mu.Lock()
	localConn, ok := s.wsConns[streamID]
	if ok {
		delete(s.wsConns, streamID)
	}
	s.mu.Unlock()
	if ok {
		_ = localConn.Close()
	}
}

// isWebSocketHandshakeHeader reports whether the gorilla dialer manages
// the header itself; forwarding these causes duplicate-header failures.
func isWebSocketHandshakeHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Upgrade", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol":
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), "sec-websocket-")
}
