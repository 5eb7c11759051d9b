package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

// session is one live control channel on the client side. It tracks
// in-flight local forwards and relayed websocket/TCP streams so they
// can be torn down when the channel drops.
type session struct {
	client    *Client
	conn      *websocket.Conn
	pump      *tunnelproto.WritePump
	localBase *url.URL
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sem       chan struct{}

	mu          sync.Mutex
	bodyWriters map[string]*io.PipeWriter
	cancels     map[string]context.CancelFunc
	wsConns     map[string]*websocket.Conn
	tcpConns    map[string]net.Conn
}

// runSession dials the control channel and serves it until the
// connection drops or ctx is cancelled.
func (c *Client) runSession(ctx context.Context, localBase *url.URL, reg domain.RegisterResponse) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, _, err := dialer.DialContext(ctx, reg.ConnectURL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(clientWSReadLimit)

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		client:      c,
		conn:        conn,
		pump:        tunnelproto.NewWritePump(conn, clientWSWriteTimeout, pumpControlQueueSize, pumpBulkQueueSize),
		localBase:   localBase,
		ctx:         sessionCtx,
		cancel:      cancel,
		sem:         make(chan struct{}, maxConcurrentForwards),
		bodyWriters: make(map[string]*io.PipeWriter),
		cancels:     make(map[string]context.CancelFunc),
		wsConns:     make(map[string]*websocket.Conn),
		tcpConns:    make(map[string]net.Conn),
	}

	stopClose := make(chan struct{})
	go func() {
		select {
		case <-sessionCtx.Done():
			_ = conn.Close()
		case <-stopClose:
		}
	}()

	defer func() {
		cancel()
		close(stopClose)
		_ = conn.Close()
		sess.pump.Close()
		sess.teardown()
		sess.wg.Wait()
	}()

	if c.cfg.PingInterval > 0 {
		sess.wg.Add(1)
		go sess.pingLoop()
	}

	return sess.readLoop()
}

func (s *session) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.client.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.pump.WriteJSON(tunnelproto.Message{Kind: tunnelproto.KindPing}); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *session) readLoop() error {
	for {
		msg, err := tunnelproto.ReadWSMessage(s.conn)
		if err != nil {
			return err
		}

		switch msg.Kind {
		case tunnelproto.KindRequest:
			if msg.Request != nil {
				s.startForward(*msg.Request)
			}
		case tunnelproto.KindReqBody:
			if msg.BodyChunk != nil {
				s.feedRequestBody(msg.BodyChunk)
			}
		case tunnelproto.KindReqBodyEnd:
			if msg.StreamEnd != nil {
				s.finishRequestBody(msg.StreamEnd)
			}
		case tunnelproto.KindCancel:
			if msg.Cancel != nil {
				s.cancelForward(msg.Cancel.ID)
			}
		case tunnelproto.KindWSOpen:
			if msg.WSOpen != nil {
				s.openLocalWebSocket(*msg.WSOpen)
			}
		case tunnelproto.KindWSData:
			if msg.WSData != nil {
				s.forwardWSData(msg.WSData)
			}
		case tunnelproto.KindWSClose:
			if msg.WSClose != nil {
				s.closeLocalWebSocket(msg.WSClose)
			}
		case tunnelproto.KindTCPOpen:
			if msg.TCPOpen != nil {
				s.openLocalTCP(*msg.TCPOpen)
			}
		case tunnelproto.KindTCPData:
			if msg.TCPData != nil {
				s.forwardTCPData(msg.TCPData)
			}
		case tunnelproto.KindTCPClose:
			if msg.TCPClose != nil {
				s.closeLocalTCP(msg.TCPClose.ID)
			}
		case tunnelproto.KindPing:
			_ = s.pump.WriteJSON(tunnelproto.Message{Kind: tunnelproto.KindPong})
		case tunnelproto.KindPong:
			// Keepalive reply, nothing to do.
		}
	}
}

// teardown closes every in-flight forward and relayed stream.
func (s *session) teardown() {
	s.mu.Lock()
	for id, w := range s.bodyWriters {
		delete(s.bodyWriters, id)
		_ = w.CloseWithError(io.ErrClosedPipe)
	}
	for id, cancel := range s.cancels {
		delete(s.cancels, id)
		cancel()
	}
	for id, conn := range s.wsConns {
		delete(s.wsConns, id)
		_ = conn.Close()
	}
	for id, conn := range s.tcpConns {
		delete(s.tcpConns, id)
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *session) storeBodyWriter(id string, w *io.PipeWriter) {
	s.mu.Lock()
	s.bodyWriters[id] = w
	s.mu.Unlock()
}

func (s *session) loadBodyWriter(id string) (*io.PipeWriter, bool) {
	s.mu.Lock()
	w, ok := s.bodyWriters[id]
	s.mu.Unlock()
	return w, ok
}

func (s *session) deleteBodyWriter(id string) (*io.PipeWriter, bool) {
	s.mu.Lock()
	w, ok := s.bodyWriters[id]
	if ok {
		delete(s.bodyWriters, id)
	}
	s.mu.Unlock()
	return w, ok
}

func (s *session) storeCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *session) deleteCancel(id string) (context.CancelFunc, bool) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	if ok {
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	return cancel, ok
}

func (s *session) feedRequestBody(chunk *tunnelproto.BodyChunk) {
	w, ok := s.loadBodyWriter(chunk.ID)
	if !ok {
		return
	}
	b, err := chunk.Payload()
	if err != nil {
		return
	}
	if _, err := w.Write(b); err != nil {
		s.deleteBodyWriter(chunk.ID)
	}
}

func (s *session) finishRequestBody(end *tunnelproto.StreamEnd) {
	w, ok := s.deleteBodyWriter(end.ID)
	if !ok {
		return
	}
	if end.Error != "" {
		_ = w.CloseWithError(io.ErrUnexpectedEOF)
		return
	}
	_ = w.Close()
}

// cancelForward aborts one in-flight local forward, e.g. when the
// public caller went away.
func (s *session) cancelForward(reqID string) {
	if w, ok := s.deleteBodyWriter(reqID); ok {
		_ = w.CloseWithError(io.ErrClosedPipe)
	}
	if cancel, ok := s.deleteCancel(reqID); ok {
		cancel()
	}
}
