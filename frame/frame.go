// Package frame implements the wire codec for the push protocol: a
// 6-byte header (opcode, message length) followed by an opcode-specific
// payload. All integers are big-endian.
package frame

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the frame variant.
type Opcode uint16

const (
	ConnectionRequest      Opcode = 0x01
	ConnectionResponse     Opcode = 0x02
	PublishMessage         Opcode = 0x03
	PublishMessageReceived Opcode = 0x04
)

func (op Opcode) String() string {
	switch op {
	case ConnectionRequest:
		return "ConnectionRequest"
	case ConnectionResponse:
		return "ConnectionResponse"
	case PublishMessage:
		return "PublishMessage"
	case PublishMessageReceived:
		return "PublishMessageReceived"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint16(op))
	}
}

// HeaderLen is the size in bytes of the common frame header.
const HeaderLen = 6

// Status codes carried in CONNECTION_RESPONSE and PUBLISH_MESSAGE_RECEIVED.
const (
	StatusOK           = 200
	StatusBadRequest   = 400
	StatusUnauthorized = 403
)

// Compression flag values on PUBLISH_MESSAGE payloads.
const (
	CompressionNone = 0x00
	CompressionZlib = 0x01
)

// connectionResponsePayloadLen is the payload length (status + reserved)
// that makes a CONNECTION_RESPONSE frame exactly 10 bytes including header.
const connectionResponsePayloadLen = 4

// publishHeaderLen is the number of reserved/typed bytes preceding the
// actual message body in a PUBLISH_MESSAGE payload: block id (2), reserved
// (2), compression flag (1), reserved (5).
const publishHeaderLen = 10

// ErrShortHeader is returned when fewer than HeaderLen bytes are available.
var ErrShortHeader = fmt.Errorf("frame: short header (need %d bytes)", HeaderLen)

// ErrShortPayload is returned when fewer bytes are available than the
// header's declared message length.
var ErrShortPayload = fmt.Errorf("frame: short payload")

// ErrMalformedCompressed is returned when a PUBLISH_MESSAGE payload claims
// zlib compression but fails to decompress.
var ErrMalformedCompressed = fmt.Errorf("frame: malformed compressed payload")

// EncodeHeader returns the 6-byte header for an opcode and message length.
func EncodeHeader(op Opcode, length uint32) []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(b[0:2], uint16(op))
	binary.BigEndian.PutUint32(b[2:6], length)
	return b
}

// DecodeHeader parses the 6-byte header. It fails when fewer than
// HeaderLen bytes are supplied.
func DecodeHeader(b []byte) (op Opcode, length uint32, err error) {
	if len(b) < HeaderLen {
		return 0, 0, ErrShortHeader
	}
	op = Opcode(binary.BigEndian.Uint16(b[0:2]))
	length = binary.BigEndian.Uint32(b[2:6])
	return op, length, nil
}

// EncodeConnectionRequest builds a full CONNECTION_REQUEST frame:
// version(u16=1), ulen(u16), user, plen(u16), pass, monitor id(u32).
func EncodeConnectionRequest(username, password string, monitorID uint32) []byte {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, uint16(1))
	binary.Write(&payload, binary.BigEndian, uint16(len(username)))
	payload.WriteString(username)
	binary.Write(&payload, binary.BigEndian, uint16(len(password)))
	payload.WriteString(password)
	binary.Write(&payload, binary.BigEndian, monitorID)

	header := EncodeHeader(ConnectionRequest, uint32(payload.Len()))
	return append(header, payload.Bytes()...)
}

// DecodeConnectionResponseStatus extracts the status code from a
// CONNECTION_RESPONSE payload (status u16 followed by 2 reserved bytes).
func DecodeConnectionResponseStatus(payload []byte) (status uint16, err error) {
	if len(payload) < connectionResponsePayloadLen {
		return 0, ErrShortPayload
	}
	return binary.BigEndian.Uint16(payload[0:2]), nil
}

// EncodeAck builds a full PUBLISH_MESSAGE_RECEIVED frame for blockID with
// the given status code.
func EncodeAck(blockID uint16, status uint16) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], blockID)
	binary.BigEndian.PutUint16(payload[2:4], status)

	header := EncodeHeader(PublishMessageReceived, uint32(len(payload)))
	return append(header, payload...)
}

// DecodePublish parses a PUBLISH_MESSAGE payload: block id(u16), 2
// reserved, compression flag(u8), 5 reserved, then the message body. A
// compression flag of CompressionZlib causes the body to be inflated;
// any other value is treated as uncompressed for forward compatibility.
func DecodePublish(payload []byte) (blockID uint16, body []byte, err error) {
	if len(payload) < publishHeaderLen {
		return 0, nil, ErrShortPayload
	}
	blockID = binary.BigEndian.Uint16(payload[0:2])
	compression := payload[4]
	body = payload[publishHeaderLen:]

	if compression == CompressionZlib {
		body, err = inflate(body)
		if err != nil {
			return 0, nil, ErrMalformedCompressed
		}
	}
	return blockID, body, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// EncodePublish builds a full PUBLISH_MESSAGE frame, as used by the frame
// and reactor test suites to play the server's side. flag selects
// CompressionNone or CompressionZlib; for CompressionZlib, body is the
// uncompressed bytes and will be deflated before framing.
func EncodePublish(blockID uint16, flag byte, body []byte) ([]byte, error) {
	wire := body
	if flag == CompressionZlib {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		wire = buf.Bytes()
	}

	payload := make([]byte, publishHeaderLen+len(wire))
	binary.BigEndian.PutUint16(payload[0:2], blockID)
	payload[4] = flag
	copy(payload[publishHeaderLen:], wire)

	header := EncodeHeader(PublishMessage, uint32(len(payload)))
	return append(header, payload...), nil
}
