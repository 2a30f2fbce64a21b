// Package wire implements the Homa datagram codec: a fixed, field-ordered
// binary layout (spec.md §4.1, §6) with a CRC-32 integrity check. It has no
// knowledge of sockets, state machines or priorities — only of bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// UPP is the number of unscheduled-partition boundaries piggybacked on
// every datagram (spec.md process-wide constants: UPP = U - 1, U = 6).
const UPP = 5

// Kind identifies a datagram's role in the Homa state machines.
type Kind uint8

const (
	// KindData carries message content, either unscheduled or in
	// response to a Grant.
	KindData Kind = iota
	// KindGrant tells the sender which sequence index to send next and
	// at what priority.
	KindGrant
	// KindResend asks the sender to retransmit a specific sequence index.
	KindResend
	// KindBusy is reserved: declared in the wire enum per spec.md §9 Open
	// Question (ii), but no state machine emits or reacts to it yet.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindGrant:
		return "Grant"
	case KindResend:
		return "Resend"
	case KindBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// Datagram is the decoded, in-memory representation of a single wire
// message. Workload is always length UPP; Payload is empty for every kind
// but Data.
type Datagram struct {
	Kind           Kind
	MessageID      uint64
	SourceID       uint32
	DestinationID  uint32
	SequenceNumber uint32
	Priority       uint8
	MessageLength  uint64
	Workload       [UPP]uint64
	Payload        []byte
}

var (
	// ErrShort means the buffer ended before a fixed or length-prefixed
	// field could be fully read.
	ErrShort = errors.New("wire: short buffer")
	// ErrBadChecksum means the trailing CRC-32 did not match the
	// recomputed checksum over the zeroed-checksum serialization.
	ErrBadChecksum = errors.New("wire: checksum mismatch")
)

// fixedSize is the size of every field except the length-prefixed payload:
// kind(1) + message_id(8) + source_id(4) + destination_id(4) +
// sequence_number(4) + workload(UPP*8) + priority(1) + message_length(8) +
// payload length prefix(8) + checksum(4).
const fixedSize = 1 + 8 + 4 + 4 + 4 + UPP*8 + 1 + 8 + 8 + 4

// EncodedLen returns the exact number of bytes Encode will write for a
// datagram carrying a payload of payloadLen bytes.
func EncodedLen(payloadLen int) int {
	return fixedSize + payloadLen
}

// Encode serializes d into buf, which must be at least
// EncodedLen(len(d.Payload)) bytes, and returns the number of bytes
// written. The checksum is computed with the checksum field zeroed, as
// required by spec.md §4.1.
func Encode(buf []byte, d *Datagram) (int, error) {
	need := EncodedLen(len(d.Payload))
	if len(buf) < need {
		return 0, ErrShort
	}
	off := 0
	buf[off] = byte(d.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], d.MessageID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], d.SourceID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.DestinationID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.SequenceNumber)
	off += 4
	for i := 0; i < UPP; i++ {
		binary.LittleEndian.PutUint64(buf[off:], d.Workload[i])
		off += 8
	}
	buf[off] = d.Priority
	off++
	binary.LittleEndian.PutUint64(buf[off:], d.MessageLength)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(d.Payload)))
	off += 8
	n := copy(buf[off:], d.Payload)
	off += n
	checksumOff := off
	binary.LittleEndian.PutUint32(buf[checksumOff:], 0)
	off += 4

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[checksumOff:], crc)
	return off, nil
}

// Decode parses buf into a Datagram, verifying the CRC-32 checksum. On
// checksum mismatch it returns ErrBadChecksum and the caller must drop the
// datagram silently per spec.md §4.1/§7. The returned Datagram's Payload
// aliases buf; callers needing to retain it across buffer reuse must copy.
func Decode(buf []byte) (Datagram, error) {
	if len(buf) < fixedSize {
		return Datagram{}, ErrShort
	}
	var d Datagram
	off := 0
	d.Kind = Kind(buf[off])
	off++
	d.MessageID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.SourceID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.DestinationID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.SequenceNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	for i := 0; i < UPP; i++ {
		d.Workload[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	d.Priority = buf[off]
	off++
	d.MessageLength = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	payloadLen := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if uint64(len(buf)-off) < payloadLen+4 {
		return Datagram{}, ErrShort
	}
	d.Payload = buf[off : off+int(payloadLen)]
	off += int(payloadLen)
	wantChecksum := binary.LittleEndian.Uint32(buf[off:])
	total := off + 4

	// Recompute the checksum over the same bytes with the checksum field
	// zeroed, exactly mirroring Encode.
	scratch := make([]byte, total)
	copy(scratch, buf[:total])
	binary.LittleEndian.PutUint32(scratch[off:], 0)
	gotChecksum := crc32.ChecksumIEEE(scratch)
	if gotChecksum != wantChecksum {
		return Datagram{}, ErrBadChecksum
	}
	return d, nil
}
