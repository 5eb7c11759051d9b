package client

import (
	"fmt"
	"net"

	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

// openLocalTCP dials the local upstream for one relayed public TCP
// connection and starts pumping its reads back.
func (s *session) openLocalTCP(open tunnelproto.TCPOpen) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		addr := fmt.Sprintf("127.0.0.1:%d", s.client.cfg.LocalPort)
		localConn, err := net.DialTimeout("tcp", addr, localDialTimeout)
		if err != nil {
			_ = s.pump.WriteJSON(tunnelproto.Message{
				Kind:       tunnelproto.KindTCPOpenAck,
				TCPOpenAck: &tunnelproto.TCPOpenAck{ID: open.ID, OK: false, Error: "local upstream unavailable on " + addr},
			})
			return
		}

		s.mu.Lock()
		s.tcpConns[open.ID] = localConn
		s.mu.Unlock()

		if err := s.pump.WriteJSON(tunnelproto.Message{
			Kind:       tunnelproto.KindTCPOpenAck,
			TCPOpenAck: &tunnelproto.TCPOpenAck{ID: open.ID, OK: true},
		}); err != nil {
			s.closeLocalTCP(open.ID)
			return
		}

		s.relayLocalTCPReads(open.ID, localConn)
	}()
}

// relayLocalTCPReads pumps bytes from the local connection to the relay
// until the local side closes.
func (s *session) relayLocalTCPReads(streamID string, localConn net.Conn) {
	defer func() {
		s.closeLocalTCP(streamID)
		_ = s.pump.WriteJSON(tunnelproto.Message{
			Kind:     tunnelproto.KindTCPClose,
			TCPClose: &tunnelproto.TCPClose{ID: streamID},
		})
	}()

	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := localConn.Read(buf)
		if n > 0 {
			if werr := s.pump.WriteBinaryFrame(tunnelproto.BinaryFrameTCPData, streamID, 0, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// forwardTCPData delivers one relayed public segment to the local
// connection.
func (s *session) forwardTCPData(data *tunnelproto.TCPData) {
	s.mu.Lock()
	localConn, ok := s.tcpConns[data.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	payload, err := data.Payload()
	if err != nil {
		return
	}
	if _, err := localConn.Write(payload); err != nil {
		s.closeLocalTCP(data.ID)
	}
}

func (s *session) closeLocalTCP(streamID string) {
	s.mu.Lock()
	localConn, ok := s.tcpConns[streamID]
	if ok {
		delete(s.tcpConns, streamID)
	}
	s.mu.Unlock()
	if ok {
		_ = localConn.Close()
	}
}
