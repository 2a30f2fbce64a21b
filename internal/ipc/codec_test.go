package ipc

import (
	"net/netip"
	"testing"

	"github.com/saranblock3/homad/internal/message"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := message.Message{
		ID:            123,
		SourceID:      1,
		DestinationID: 2,
		SourceAddr:    netip.AddrFrom4([4]byte{10, 0, 0, 1}),
		DestAddr:      netip.AddrFrom4([4]byte{10, 0, 0, 2}),
		Content:       []byte("hello homad"),
	}
	buf := make([]byte, EncodedLen(len(msg.Content)))
	n, err := EncodeMessage(buf, &msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID || got.SourceID != msg.SourceID || got.DestinationID != msg.DestinationID {
		t.Fatalf("id fields mismatch: got %+v", got)
	}
	if got.SourceAddr != msg.SourceAddr || got.DestAddr != msg.DestAddr {
		t.Fatalf("address fields mismatch: got %+v", got)
	}
	if string(got.Content) != string(msg.Content) {
		t.Fatalf("content mismatch: got %q", got.Content)
	}
}

func TestDecodeShortBufferErrors(t *testing.T) {
	if _, err := DecodeMessage(make([]byte, fixedSize-1)); err != ErrShort {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestDecodeTruncatedContentErrors(t *testing.T) {
	msg := message.Message{Content: []byte("0123456789")}
	buf := make([]byte, EncodedLen(len(msg.Content)))
	n, _ := EncodeMessage(buf, &msg)
	if _, err := DecodeMessage(buf[:n-5]); err != ErrShort {
		t.Fatalf("expected ErrShort on truncated content, got %v", err)
	}
}
