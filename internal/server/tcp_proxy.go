package server

import (
	"fmt"
	"net"
	"time"

	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

const tcpReadBufferSize = 32 * 1024

// startTCPListener binds the session's allocated public port. Each
// accepted connection becomes one relayed stream over the control
// channel.
func (s *Server) startTCPListener(sess *session) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", sess.connection.Port))
	if err != nil {
		return err
	}
	sess.tcpListener = ln
	s.log.Info("tcp tunnel listening", "connection_id", sess.connection.ID, "port", sess.connection.Port)

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed with the session
			}
			go s.servePublicTCP(sess, conn)
		}
	}()
	return nil
}

func (s *Server) servePublicTCP(sess *session, publicConn net.Conn) {
	defer func() { _ = publicConn.Close() }()

	streamID := s.nextStreamID("tcp")
	streamCh := make(chan tunnelproto.Message, 64)
	sess.streamStore(streamID, streamCh)
	defer sess.streamDelete(streamID)

	if err := sess.writeJSON(tunnelproto.Message{
		Kind:    tunnelproto.KindTCPOpen,
		TCPOpen: &tunnelproto.TCPOpen{ID: streamID, Port: sess.connection.Port},
	}); err != nil {
		return
	}

	ack := waitForTCPOpenAck(streamCh, s.cfg.RequestTimeout)
	if ack == nil || !ack.OK {
		if ack != nil && ack.Error != "" {
			s.log.Debug("tcp upstream open failed",
				"connection_id", sess.connection.ID, "stream_id", streamID, "err", ack.Error)
		}
		return
	}

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	relayStop := make(chan struct{})
	defer close(relayStop)

	go relayPublicTCPReads(streamID, sess, publicConn, readDone)
	go relayPublicTCPWrites(publicConn, streamCh, relayStop, writeDone)

	select {
	case <-readDone:
	case <-writeDone:
	}
	_ = sess.writeJSON(tunnelproto.Message{
		Kind:     tunnelproto.KindTCPClose,
		TCPClose: &tunnelproto.TCPClose{ID: streamID},
	})
}

func waitForTCPOpenAck(streamCh <-chan tunnelproto.Message, timeout time.Duration) *tunnelproto.TCPOpenAck {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case msg, ok := <-streamCh:
			if !ok {
				return nil
			}
			if msg.Kind == tunnelproto.KindTCPOpenAck && msg.TCPOpenAck != nil {
				return msg.TCPOpenAck
			}
		}
	}
}

// relayPublicTCPReads pumps bytes from the public socket to the tunnel
// client as binary tcp_data frames.
func relayPublicTCPReads(streamID string, sess *session, publicConn net.Conn, readDone chan<- struct{}) {
	defer close(readDone)
	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := publicConn.Read(buf)
		if n > 0 {
			if wErr := sess.writeTCPData(streamID, buf[:n]); wErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// relayPublicTCPWrites pumps relayed frames from the tunnel client to
// the public socket.
func relayPublicTCPWrites(publicConn net.Conn, streamCh <-chan tunnelproto.Message, relayStop <-chan struct{}, writeDone chan<- struct{}) {
	defer close(writeDone)
	for {
		select {
		case <-relayStop:
			return
		case msg, ok := <-streamCh:
			if !ok {
				return
			}
			switch msg.Kind {
			case tunnelproto.KindTCPData:
				if msg.TCPData == nil {
					continue
				}
				b, err := msg.TCPData.Payload()
				if err != nil {
					continue
				}
				if _, err := publicConn.Write(b); err != nil {
					return
				}
			case tunnelproto.KindTCPClose:
				return
			}
		}
	}
}
