package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func sampleDatagram() Datagram {
	d := Datagram{
		Kind:           KindData,
		MessageID:      0x0102030405060708,
		SourceID:       11,
		DestinationID:  22,
		SequenceNumber: 3,
		Priority:       40,
		MessageLength:  1400,
		Payload:        bytes.Repeat([]byte{0xAB}, 200),
	}
	for i := range d.Workload {
		d.Workload[i] = uint64((i + 1) * 1000)
	}
	return d
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleDatagram()
	buf := make([]byte, EncodedLen(len(d.Payload)))
	n, err := Encode(buf, &d)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(buf), n)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != d.Kind || got.MessageID != d.MessageID || got.SourceID != d.SourceID ||
		got.DestinationID != d.DestinationID || got.SequenceNumber != d.SequenceNumber ||
		got.Priority != d.Priority || got.MessageLength != d.MessageLength {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, d)
	}
	if got.Workload != d.Workload {
		t.Fatalf("workload mismatch: got %v want %v", got.Workload, d.Workload)
	}
	if !bytes.Equal(got.Payload, d.Payload) {
		t.Fatalf("payload mismatch: got %v want %v", got.Payload, d.Payload)
	}
}

func TestControlDatagramsHaveEmptyPayload(t *testing.T) {
	for _, kind := range []Kind{KindGrant, KindResend, KindBusy} {
		d := Datagram{Kind: kind, MessageID: 7, SequenceNumber: 5, MessageLength: 9000}
		buf := make([]byte, EncodedLen(0))
		n, err := Encode(buf, &d)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Payload) != 0 {
			t.Errorf("kind %v: expected empty payload, got %d bytes", kind, len(got.Payload))
		}
	}
}

// TestBitFlipAlwaysDropped is the checksum-gate testable property from
// spec.md §8: any single-bit flip in the serialized body must be rejected.
func TestBitFlipAlwaysDropped(t *testing.T) {
	d := sampleDatagram()
	buf := make([]byte, EncodedLen(len(d.Payload)))
	n, err := Encode(buf, &d)
	if err != nil {
		t.Fatal(err)
	}
	orig := append([]byte(nil), buf[:n]...)
	for byteIdx := 0; byteIdx < n; byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), orig...)
			flipped[byteIdx] ^= 1 << bit
			_, err := Decode(flipped)
			if err == nil {
				t.Fatalf("bit flip at byte %d bit %d was not detected", byteIdx, bit)
			}
		}
	}
}

func TestDecodeShortBufferErrors(t *testing.T) {
	_, err := Decode(make([]byte, 4))
	if err != ErrShort {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestEncodeRandomPayloadSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		size := rng.Intn(1400)
		d := sampleDatagram()
		d.Payload = make([]byte, size)
		rng.Read(d.Payload)
		buf := make([]byte, EncodedLen(size))
		n, err := Encode(buf, &d)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Payload, d.Payload) {
			t.Fatalf("payload mismatch at size %d", size)
		}
	}
}
