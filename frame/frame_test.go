package frame

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		op     Opcode
		length uint32
	}{
		{ConnectionRequest, 0},
		{ConnectionResponse, 4},
		{PublishMessage, 1<<20 + 7},
		{PublishMessageReceived, 4294967295},
	}
	for _, c := range cases {
		b := EncodeHeader(c.op, c.length)
		if len(b) != HeaderLen {
			t.Fatalf("EncodeHeader(%v, %d) produced %d bytes, want %d", c.op, c.length, len(b), HeaderLen)
		}
		op, n, err := DecodeHeader(b)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if op != c.op || n != c.length {
			t.Errorf("round trip %v/%d -> %v/%d", c.op, c.length, op, n)
		}
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	for n := 0; n < HeaderLen; n++ {
		if _, _, err := DecodeHeader(make([]byte, n)); err != ErrShortHeader {
			t.Errorf("DecodeHeader(%d bytes) = %v, want ErrShortHeader", n, err)
		}
	}
}

func TestConnectionRequestEncoding(t *testing.T) {
	frame := EncodeConnectionRequest("alice", "s3cret", 9001)

	op, length, err := DecodeHeader(frame[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if op != ConnectionRequest {
		t.Fatalf("opcode = %v, want ConnectionRequest", op)
	}
	payload := frame[HeaderLen:]
	if uint32(len(payload)) != length {
		t.Fatalf("payload len %d != header length %d", len(payload), length)
	}

	wantLen := 2 + 2 + len("alice") + 2 + len("s3cret") + 4
	if len(payload) != wantLen {
		t.Fatalf("payload len = %d, want %d", len(payload), wantLen)
	}
}

func TestConnectionResponseRoundTrip(t *testing.T) {
	for _, status := range []uint16{StatusOK, StatusBadRequest, StatusUnauthorized} {
		payload := make([]byte, connectionResponsePayloadLen)
		payload[0] = byte(status >> 8)
		payload[1] = byte(status)

		full := append(EncodeHeader(ConnectionResponse, connectionResponsePayloadLen), payload...)
		if len(full) != 10 {
			t.Fatalf("ConnectionResponse frame length = %d, want 10", len(full))
		}

		op, n, err := DecodeHeader(full[:HeaderLen])
		if err != nil || op != ConnectionResponse || n != connectionResponsePayloadLen {
			t.Fatalf("DecodeHeader(response) = %v, %d, %v", op, n, err)
		}

		got, err := DecodeConnectionResponseStatus(full[HeaderLen:])
		if err != nil {
			t.Fatalf("DecodeConnectionResponseStatus: %v", err)
		}
		if got != status {
			t.Errorf("status = %d, want %d", got, status)
		}
	}
}

func TestDecodeConnectionResponseStatusShort(t *testing.T) {
	if _, err := DecodeConnectionResponseStatus(make([]byte, 3)); err != ErrShortPayload {
		t.Errorf("got %v, want ErrShortPayload", err)
	}
}

func TestAckEncoding(t *testing.T) {
	frame := EncodeAck(7, StatusOK)
	op, length, err := DecodeHeader(frame[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if op != PublishMessageReceived {
		t.Fatalf("opcode = %v, want PublishMessageReceived", op)
	}
	if length != 4 {
		t.Fatalf("length = %d, want 4", length)
	}
	payload := frame[HeaderLen:]
	if payload[0] != 0 || payload[1] != 7 || payload[2] != 0 || payload[3] != 0xC8 {
		t.Errorf("ack payload = % x, want 00 07 00 c8", payload)
	}
}

func TestPublishRoundTripUncompressed(t *testing.T) {
	body := []byte(`{"v":1}`)
	frame, err := EncodePublish(7, CompressionNone, body)
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}

	op, length, err := DecodeHeader(frame[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if op != PublishMessage {
		t.Fatalf("opcode = %v, want PublishMessage", op)
	}
	payload := frame[HeaderLen : HeaderLen+int(length)]

	blockID, got, err := DecodePublish(payload)
	if err != nil {
		t.Fatalf("DecodePublish: %v", err)
	}
	if blockID != 7 {
		t.Errorf("blockID = %d, want 7", blockID)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestPublishRoundTripCompressed(t *testing.T) {
	body := []byte("hello")
	frame, err := EncodePublish(42, CompressionZlib, body)
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}

	_, length, err := DecodeHeader(frame[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	payload := frame[HeaderLen : HeaderLen+int(length)]

	blockID, got, err := DecodePublish(payload)
	if err != nil {
		t.Fatalf("DecodePublish: %v", err)
	}
	if blockID != 42 {
		t.Errorf("blockID = %d, want 42", blockID)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestDecodePublishMalformedZlib(t *testing.T) {
	payload := make([]byte, publishHeaderLen+4)
	payload[4] = CompressionZlib
	payload[publishHeaderLen] = 0xFF
	payload[publishHeaderLen+1] = 0xFF
	payload[publishHeaderLen+2] = 0xFF
	payload[publishHeaderLen+3] = 0xFF

	if _, _, err := DecodePublish(payload); err != ErrMalformedCompressed {
		t.Errorf("got %v, want ErrMalformedCompressed", err)
	}
}

func TestDecodePublishShort(t *testing.T) {
	if _, _, err := DecodePublish(make([]byte, publishHeaderLen-1)); err != ErrShortPayload {
		t.Errorf("got %v, want ErrShortPayload", err)
	}
}

func TestDecodePublishUnknownCompressionPassesThrough(t *testing.T) {
	payload := make([]byte, publishHeaderLen+3)
	payload[4] = 0x7F // unrecognized flag, forward-compatible: treated as uncompressed
	copy(payload[publishHeaderLen:], []byte("abc"))

	_, body, err := DecodePublish(payload)
	if err != nil {
		t.Fatalf("DecodePublish: %v", err)
	}
	if !bytes.Equal(body, []byte("abc")) {
		t.Errorf("body = %q, want %q", body, "abc")
	}
}
