package wire

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"chainmesh/nid"
	"chainmesh/peer"

	log "github.com/sirupsen/logrus"
)

// Frame limits. The reference protocol carried no caps; these bound what
// a single hostile peer can make us buffer.
const (
	MaxRouteLen   = 4 << 10
	MaxPayloadLen = 16 << 20
)

const digestLen = sha256.Size

// requestDigest computes the integrity digest over the UTF-8 textual
// concatenation method‖port‖route‖payloadLen‖base64(payload). Both sides
// compute it identically; nodeId and the broadcast flag are not covered.
func requestDigest(method Method, port uint16, route string, payloadLen int, payloadB64 string) [digestLen]byte {
	h := sha256.New()
	io.WriteString(h, strconv.Itoa(int(method)))
	io.WriteString(h, strconv.Itoa(int(port)))
	io.WriteString(h, route)
	io.WriteString(h, strconv.Itoa(payloadLen))
	io.WriteString(h, payloadB64)
	var d [digestLen]byte
	h.Sum(d[:0])
	return d
}

func responseDigest(status StatusCode, payloadLen int, payloadB64 string) [digestLen]byte {
	h := sha256.New()
	io.WriteString(h, strconv.Itoa(int(status)))
	io.WriteString(h, strconv.Itoa(int(payloadLen)))
	io.WriteString(h, payloadB64)
	var d [digestLen]byte
	h.Sum(d[:0])
	return d
}

// EncodeRequest serializes a request frame. Identity fields (nodeId,
// port) are taken from req.Sender, so re-encoding a forwarded request
// with this node's own identity rewrites the hop's provenance.
func EncodeRequest(req *Request) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: bad payload base64: %w", err)
	}
	route := []byte(req.Route)
	if len(route) > MaxRouteLen {
		return nil, fmt.Errorf("encode request: route too long (%d bytes)", len(route))
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("encode request: payload too large (%d bytes)", len(payload))
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(req.Method))
	buf.Write(req.Sender.NodeID.Bytes())
	binary.Write(buf, binary.BigEndian, int32(req.Sender.Port))
	if req.IsBroadcast {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(route)))
	buf.Write(route)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	digest := requestDigest(req.Method, req.Sender.Port, req.Route, len(payload), req.Payload)
	buf.Write(digest[:])

	return buf.Bytes(), nil
}

// DecodeRequest reads one request frame from r. remoteIP is the
// transport-level remote address and becomes the sender's IP; the frame
// only carries the sender's listening port and node id. An out-of-range
// method decodes to MethodInvalid. A digest mismatch is logged and
// tolerated: integrity on this network is advisory.
func DecodeRequest(r io.Reader, remoteIP string) (*Request, error) {
	var rawMethod int32
	if err := binary.Read(r, binary.BigEndian, &rawMethod); err != nil {
		return nil, fmt.Errorf("decode request: method: %w", err)
	}

	idBuf := make([]byte, nid.Size)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, fmt.Errorf("decode request: node id: %w", err)
	}
	nodeID, err := nid.FromBytes(idBuf)
	if err != nil {
		return nil, fmt.Errorf("decode request: node id: %w", err)
	}

	var rawPort int32
	if err := binary.Read(r, binary.BigEndian, &rawPort); err != nil {
		return nil, fmt.Errorf("decode request: port: %w", err)
	}
	if rawPort < 0 || rawPort > 65535 {
		return nil, fmt.Errorf("decode request: port %d out of range", rawPort)
	}

	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, fmt.Errorf("decode request: broadcast flag: %w", err)
	}

	route, err := readLengthPrefixed(r, MaxRouteLen, "route")
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	payload, err := readLengthPrefixed(r, MaxPayloadLen, "payload")
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	var gotDigest [digestLen]byte
	if _, err := io.ReadFull(r, gotDigest[:]); err != nil {
		return nil, fmt.Errorf("decode request: digest: %w", err)
	}

	req := &Request{
		Method:      methodFromWire(rawMethod),
		Route:       string(route),
		Payload:     base64.StdEncoding.EncodeToString(payload),
		IsBroadcast: flag[0] != 0,
		Sender: peer.Address{
			IP:     remoteIP,
			Port:   uint16(rawPort),
			NodeID: nodeID,
		},
	}

	want := requestDigest(req.Method, req.Sender.Port, req.Route, len(payload), req.Payload)
	if subtle.ConstantTimeCompare(want[:], gotDigest[:]) != 1 {
		log.Warnf("wire: request digest mismatch from %s (%s %s)", req.Sender.HostPort(), req.Method, req.Route)
	}

	return req, nil
}

// EncodeResponse serializes a response frame.
func EncodeResponse(res *Response) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(res.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode response: bad payload base64: %w", err)
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("encode response: payload too large (%d bytes)", len(payload))
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(res.Status))
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	digest := responseDigest(res.Status, len(payload), res.Payload)
	buf.Write(digest[:])

	return buf.Bytes(), nil
}

// DecodeResponse reads one response frame from r. An out-of-range status
// decodes to StatusInvalid; a digest mismatch is logged and tolerated.
func DecodeResponse(r io.Reader) (*Response, error) {
	var rawStatus int32
	if err := binary.Read(r, binary.BigEndian, &rawStatus); err != nil {
		return nil, fmt.Errorf("decode response: status: %w", err)
	}

	payload, err := readLengthPrefixed(r, MaxPayloadLen, "payload")
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var gotDigest [digestLen]byte
	if _, err := io.ReadFull(r, gotDigest[:]); err != nil {
		return nil, fmt.Errorf("decode response: digest: %w", err)
	}

	res := &Response{
		Status:  statusFromWire(rawStatus),
		Payload: base64.StdEncoding.EncodeToString(payload),
	}

	want := responseDigest(res.Status, len(payload), res.Payload)
	if subtle.ConstantTimeCompare(want[:], gotDigest[:]) != 1 {
		log.Warnf("wire: response digest mismatch (status %s)", res.Status)
	}

	return res, nil
}

func readLengthPrefixed(r io.Reader, max uint32, what string) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%s length: %w", what, err)
	}
	if n > max {
		return nil, fmt.Errorf("%s too large: %d bytes (max %d)", what, n, max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%s body: %w", what, err)
	}
	return b, nil
}

func methodFromWire(v int32) Method {
	switch Method(v) {
	case MethodGet, MethodPost:
		return Method(v)
	default:
		return MethodInvalid
	}
}

func statusFromWire(v int32) StatusCode {
	switch StatusCode(v) {
	case StatusOK, StatusInvalid, StatusNotFound, StatusError:
		return StatusCode(v)
	default:
		return StatusInvalid
	}
}
