// Package tunnelproto defines the control-channel wire protocol between
// the relay server and tunneled clients.
//
// Control messages travel as JSON text frames over the websocket. Bulk
// body and stream payloads above the inline threshold travel as compact
// binary frames instead, so large transfers skip base64 and the JSON
// codec entirely.
package tunnelproto

import (
	"encoding/base64"
	"net/http"
)

// Kind discriminates control messages.
type Kind string

const (
	// HTTP request/response exchange.
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindReqBody      Kind = "req_body"
	KindReqBodyEnd   Kind = "req_body_end"
	KindRespBody     Kind = "resp_body"
	KindRespBodyEnd  Kind = "resp_body_end"

	// Public websocket relay.
	KindWSOpen    Kind = "ws_open"
	KindWSOpenAck Kind = "ws_open_ack"
	KindWSData    Kind = "ws_data"
	KindWSClose   Kind = "ws_close"

	// Raw TCP relay.
	KindTCPOpen    Kind = "tcp_open"
	KindTCPOpenAck Kind = "tcp_open_ack"
	KindTCPData    Kind = "tcp_data"
	KindTCPClose   Kind = "tcp_close"

	// Housekeeping.
	KindCancel Kind = "cancel"
	KindPing   Kind = "ping"
	KindPong   Kind = "pong"
)

// Message is the JSON envelope. Exactly one payload field is set,
// matching Kind.
type Message struct {
	Kind       Kind          `json:"kind"`
	Request    *HTTPRequest  `json:"request,omitempty"`
	Response   *HTTPResponse `json:"response,omitempty"`
	BodyChunk  *BodyChunk    `json:"body_chunk,omitempty"`
	StreamEnd  *StreamEnd    `json:"stream_end,omitempty"`
	WSOpen     *WSOpen       `json:"ws_open,omitempty"`
	WSOpenAck  *WSOpenAck    `json:"ws_open_ack,omitempty"`
	WSData     *WSData       `json:"ws_data,omitempty"`
	WSClose    *WSClose      `json:"ws_close,omitempty"`
	TCPOpen    *TCPOpen      `json:"tcp_open,omitempty"`
	TCPOpenAck *TCPOpenAck   `json:"tcp_open_ack,omitempty"`
	TCPData    *TCPData      `json:"tcp_data,omitempty"`
	TCPClose   *TCPClose     `json:"tcp_close,omitempty"`
	Cancel     *Cancel       `json:"cancel,omitempty"`
}

// HTTPRequest asks the client to perform a request against its local
// upstream. Path carries the path and raw query. When Streamed is set
// the body follows as req_body chunks terminated by req_body_end;
// otherwise BodyB64 holds the whole body inline.
type HTTPRequest struct {
	ID        string              `json:"id"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string][]string `json:"headers,omitempty"`
	BodyB64   string              `json:"body_b64,omitempty"`
	Streamed  bool                `json:"streamed,omitempty"`
	TimeoutMs int                 `json:"timeout_ms,omitempty"`
}

// HTTPResponse mirrors HTTPRequest for the reply leg.
type HTTPResponse struct {
	ID       string              `json:"id"`
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers,omitempty"`
	BodyB64  string              `json:"body_b64,omitempty"`
	Streamed bool                `json:"streamed,omitempty"`
}

// BodyChunk is one piece of a streamed request or response body. Chunks
// normally arrive as binary frames; DataB64 is the JSON fallback.
type BodyChunk struct {
	ID      string `json:"id"`
	DataB64 string `json:"data_b64,omitempty"`

	raw []byte
}

// Payload returns the chunk bytes regardless of transport encoding.
func (c *BodyChunk) Payload() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	return DecodeBody(c.DataB64)
}

// StreamEnd terminates a streamed body. A non-empty Error means the
// sender aborted mid-stream and the receiver must discard the exchange.
type StreamEnd struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// WSOpen asks the client to open a websocket against its local upstream.
type WSOpen struct {
	ID      string              `json:"id"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// WSOpenAck reports whether the local websocket dial succeeded.
type WSOpenAck struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WSData is one relayed websocket message. MessageType is the gorilla
// message type (1 text, 2 binary).
type WSData struct {
	ID          string `json:"id"`
	MessageType int    `json:"message_type"`
	DataB64     string `json:"data_b64,omitempty"`

	raw []byte
}

// Payload returns the message bytes regardless of transport encoding.
func (d *WSData) Payload() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	return DecodeBody(d.DataB64)
}

// WSClose tears down one relayed websocket.
type WSClose struct {
	ID     string `json:"id"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TCPOpen announces a new public TCP connection on the tunnel's port.
type TCPOpen struct {
	ID   string `json:"id"`
	Port uint32 `json:"port"`
}

// TCPOpenAck reports whether the local TCP dial succeeded.
type TCPOpenAck struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TCPData is one relayed TCP segment.
type TCPData struct {
	ID      string `json:"id"`
	DataB64 string `json:"data_b64,omitempty"`

	raw []byte
}

// Payload returns the segment bytes regardless of transport encoding.
func (d *TCPData) Payload() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	return DecodeBody(d.DataB64)
}

// TCPClose tears down one relayed TCP connection.
type TCPClose struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Cancel aborts an in-flight HTTP exchange, e.g. when the public caller
// went away.
type Cancel struct {
	ID string `json:"id"`
}

// EncodeBody base64-encodes payload bytes for inline JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// CloneHeaders copies h so the original can be mutated safely.
func CloneHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
