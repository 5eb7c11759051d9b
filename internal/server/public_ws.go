package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrow-dev/burrow/internal/netutil"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

// handlePublicWebSocket relays a public websocket through the control
// channel: ws_open towards the client, then ws_data frames both ways
// until either side closes.
func (s *Server) handlePublicWebSocket(w http.ResponseWriter, r *http.Request, sess *session) {
	streamID := s.nextStreamID("ws")
	streamCh := make(chan tunnelproto.Message, 64)
	sess.streamStore(streamID, streamCh)
	defer sess.streamDelete(streamID)

	headers := tunnelproto.CloneHeaders(r.Header)
	netutil.RemoveHopByHopHeadersPreserveUpgrade(headers)
	injectForwardedProxyHeaders(headers, r)
	injectForwardedFor(headers, r.RemoteAddr)

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	if err := sess.writeJSON(tunnelproto.Message{
		Kind:   tunnelproto.KindWSOpen,
		WSOpen: &tunnelproto.WSOpen{ID: streamID, Path: path, Headers: headers},
	}); err != nil {
		http.Error(w, "tunnel write failed", http.StatusBadGateway)
		return
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	ack, status, msg := waitForWSOpenAck(r, timer, streamCh)
	if status != 0 {
		http.Error(w, msg, status)
		return
	}
	if ack == nil {
		return // public caller went away
	}
	if !ack.OK {
		message := ack.Error
		if message == "" {
			message = "websocket upstream open failed"
		}
		http.Error(w, message, http.StatusBadGateway)
		return
	}

	publicConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sess.writeJSON(tunnelproto.Message{
			Kind:    tunnelproto.KindWSClose,
			WSClose: &tunnelproto.WSClose{ID: streamID, Code: websocket.CloseGoingAway, Reason: "public upgrade failed"},
		})
		return
	}
	defer func() {
		_ = sess.writeJSON(tunnelproto.Message{
			Kind:    tunnelproto.KindWSClose,
			WSClose: &tunnelproto.WSClose{ID: streamID, Code: websocket.CloseNormalClosure},
		})
		_ = publicConn.Close()
	}()

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	relayStop := make(chan struct{})
	defer close(relayStop)

	go relayPublicWSReads(streamID, sess, publicConn, readDone)
	go relayPublicWSWrites(r, publicConn, streamCh, relayStop, writeDone)

	select {
	case <-r.Context().Done():
	case <-readDone:
	case <-writeDone:
	}
}

func waitForWSOpenAck(r *http.Request, timer *time.Timer, streamCh <-chan tunnelproto.Message) (*tunnelproto.WSOpenAck, int, string) {
	for {
		select {
		case <-r.Context().Done():
			return nil, 0, ""
		case <-timer.C:
			return nil, http.StatusGatewayTimeout, "upstream timeout"
		case msg, ok := <-streamCh:
			if !ok {
				return nil, http.StatusBadGateway, "tunnel closed"
			}
			if msg.Kind == tunnelproto.KindWSOpenAck && msg.WSOpenAck != nil {
				return msg.WSOpenAck, 0, ""
			}
		}
	}
}

// relayPublicWSReads pumps messages from the public websocket to the
// tunnel client.
func relayPublicWSReads(streamID string, sess *session, publicConn *websocket.Conn, readDone chan<- struct{}) {
	defer close(readDone)
	for {
		msgType, payload, err := publicConn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseNormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			_ = sess.writeJSON(tunnelproto.Message{
				Kind:    tunnelproto.KindWSClose,
				WSClose: &tunnelproto.WSClose{ID: streamID, Code: code, Reason: reason},
			})
			return
		}
		if err := sess.writeWSData(streamID, msgType, payload); err != nil {
			return
		}
	}
}

// relayPublicWSWrites pumps relayed messages from the tunnel client to
// the public websocket.
func relayPublicWSWrites(r *http.Request, publicConn *websocket.Conn, streamCh <-chan tunnelproto.Message, relayStop <-chan struct{}, writeDone chan<- struct{}) {
	defer close(writeDone)
	for {
		select {
		case <-relayStop:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-streamCh:
			if !ok {
				return
			}
			switch msg.Kind {
			case tunnelproto.KindWSData:
				if msg.WSData == nil {
					continue
				}
				b, err := msg.WSData.Payload()
				if err != nil {
					continue
				}
				if err := publicConn.WriteMessage(msg.WSData.MessageType, b); err != nil {
					return
				}
			case tunnelproto.KindWSClose:
				if msg.WSClose == nil {
					return
				}
				_ = publicConn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(msg.WSClose.Code, msg.WSClose.Reason),
					time.Now().Add(5*time.Second),
				)
				return
			}
		}
	}
}
