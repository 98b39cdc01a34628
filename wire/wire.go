// Package wire implements the binary request/response protocol spoken
// between mesh nodes: fixed-width big-endian integers, length-prefixed
// strings, raw payload bytes and a trailing SHA-256 integrity digest.
// One frame is exchanged per TCP connection.
package wire

import (
	"encoding/base64"

	"chainmesh/peer"
)

// Method is the wire-level request method. The integer values are a
// protocol contract between peers and must never be renumbered.
type Method int32

const (
	MethodGet     Method = 0
	MethodPost    Method = 1
	MethodInvalid Method = 2
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	default:
		return "INVALID"
	}
}

// StatusCode is the wire-level response status. Values are a protocol
// contract and must never be renumbered.
type StatusCode int32

const (
	StatusOK       StatusCode = 0
	StatusInvalid  StatusCode = 1
	StatusNotFound StatusCode = 2
	StatusError    StatusCode = 3
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NotFound"
	case StatusError:
		return "Error"
	default:
		return "Invalid"
	}
}

// Request is one unit of work sent over the wire. Payload is base64 text
// at the API boundary and raw bytes on the wire. Sender is filled in by
// the receiving side from the transport-level remote IP plus the port and
// node id carried in the frame; a sender never claims its own IP.
type Request struct {
	Method      Method
	Route       string
	Payload     string // base64
	Sender      peer.Address
	IsBroadcast bool
}

// NewRequest builds a request around a raw payload, base64-encoding it.
func NewRequest(method Method, route string, payload []byte, broadcast bool) *Request {
	return &Request{
		Method:      method,
		Route:       route,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		IsBroadcast: broadcast,
	}
}

// PayloadBytes decodes the base64 payload back to raw bytes.
func (r *Request) PayloadBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Payload)
}

// Response is produced exactly once per non-broadcast request.
type Response struct {
	Status  StatusCode
	Payload string // base64
}

func NewResponse(status StatusCode, payload []byte) *Response {
	return &Response{
		Status:  status,
		Payload: base64.StdEncoding.EncodeToString(payload),
	}
}

func (r *Response) PayloadBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Payload)
}
