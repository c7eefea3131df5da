package ws

import (
	"bytes"
	"testing"
)

func TestAcceptKeyTestVector(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("AcceptKey = %q, want %q", got, want)
	}
}

func TestVerifyHandshake(t *testing.T) {
	headers := map[string]string{
		"Upgrade":            "WebSocket",
		"Sec-WebSocket-Key":  "dGhlIHNhbXBsZSBub25jZQ==",
		"Connection":         "Upgrade",
	}
	accept, ok := VerifyHandshake(headers)
	if !ok {
		t.Fatalf("expected handshake to verify")
	}
	if accept != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept = %q", accept)
	}
}

func TestVerifyHandshakeRejectsMissingKey(t *testing.T) {
	headers := map[string]string{"Upgrade": "websocket"}
	if _, ok := VerifyHandshake(headers); ok {
		t.Fatalf("expected handshake to fail without a key")
	}
}

func TestBuildParseFrameRoundTripUnmasked(t *testing.T) {
	built := BuildTextFrame([]byte("hello"))
	frame, consumed, err := ParseFrame(built)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if consumed != len(built) {
		t.Fatalf("consumed = %d, want %d", consumed, len(built))
	}
	if frame.Opcode != OpText || !frame.Fin {
		t.Fatalf("frame = %+v", frame)
	}
	if !bytes.Equal(frame.Payload, []byte("hello")) {
		t.Fatalf("payload = %q", frame.Payload)
	}
}

func TestParseFrameMaskedUnmasksInPlace(t *testing.T) {
	payload := []byte("abcd")
	maskKey := [4]byte{1, 2, 3, 4}
	masked := make([]byte, len(payload))
	for i := range payload {
		masked[i] = payload[i] ^ maskKey[i%4]
	}
	frame := append([]byte{0x81, 0x84}, maskKey[:]...)
	frame = append(frame, masked...)

	parsed, consumed, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed = %d, want %d", consumed, len(frame))
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Fatalf("unmasked payload = %q, want %q", parsed.Payload, payload)
	}
}

func TestParseFrameIncomplete(t *testing.T) {
	_, _, err := ParseFrame([]byte{0x81})
	if err != ErrIncomplete {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
}

func TestParseFrameRejectsOversizedPayload(t *testing.T) {
	frame := []byte{0x81, 127, 0, 0, 0, 0, 0x01, 0x00, 0x00, 0x01}
	_, _, err := ParseFrame(frame)
	if err != ErrPayloadTooBig {
		t.Fatalf("err = %v, want ErrPayloadTooBig", err)
	}
}
