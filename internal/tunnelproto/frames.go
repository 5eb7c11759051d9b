package tunnelproto

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// Binary frame kinds. Frames carry bulk payloads that would be wasteful
// as base64 inside JSON.
const (
	BinaryFrameReqBody  byte = 1
	BinaryFrameRespBody byte = 2
	BinaryFrameWSData   byte = 3
	BinaryFrameTCPData  byte = 4
)

// Binary frame layout:
//
//	byte 0        frame kind
//	byte 1        websocket message type (ws_data only, 0 otherwise)
//	byte 2        stream ID length n
//	bytes 3..3+n  stream ID
//	rest          payload
const frameHeaderLen = 3

// WriteBinaryFrame writes one binary frame to w.
func WriteBinaryFrame(w io.Writer, frameKind byte, id string, wsMessageType int, payload []byte) error {
	if len(id) > 255 {
		return fmt.Errorf("stream id too long: %d bytes", len(id))
	}
	header := make([]byte, 0, frameHeaderLen+len(id))
	header = append(header, frameKind, byte(wsMessageType), byte(len(id)))
	header = append(header, id...)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// decodeBinaryFrame parses a binary frame into its Message equivalent.
func decodeBinaryFrame(data []byte) (*Message, error) {
	if len(data) < frameHeaderLen {
		return nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	frameKind := data[0]
	wsMessageType := int(data[1])
	idLen := int(data[2])
	if len(data) < frameHeaderLen+idLen {
		return nil, fmt.Errorf("binary frame truncated id: want %d bytes, have %d", idLen, len(data)-frameHeaderLen)
	}
	id := string(data[frameHeaderLen : frameHeaderLen+idLen])
	payload := data[frameHeaderLen+idLen:]

	switch frameKind {
	case BinaryFrameReqBody:
		return &Message{Kind: KindReqBody, BodyChunk: &BodyChunk{ID: id, raw: payload}}, nil
	case BinaryFrameRespBody:
		return &Message{Kind: KindRespBody, BodyChunk: &BodyChunk{ID: id, raw: payload}}, nil
	case BinaryFrameWSData:
		return &Message{Kind: KindWSData, WSData: &WSData{ID: id, MessageType: wsMessageType, raw: payload}}, nil
	case BinaryFrameTCPData:
		return &Message{Kind: KindTCPData, TCPData: &TCPData{ID: id, raw: payload}}, nil
	default:
		return nil, fmt.Errorf("unknown binary frame kind %d", frameKind)
	}
}

// ReadWSMessage reads the next websocket message from conn and decodes
// it into a Message, handling both JSON text frames and binary frames.
func ReadWSMessage(conn *websocket.Conn) (*Message, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch messageType {
	case websocket.TextMessage:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode control message: %w", err)
		}
		return &msg, nil
	case websocket.BinaryMessage:
		return decodeBinaryFrame(data)
	default:
		return nil, fmt.Errorf("unexpected websocket message type %d", messageType)
	}
}
