// Package ipc implements the local application-facing IPC surface
// (spec.md §6): a Unix stream socket where each peer first registers a
// 4-byte application id, then exchanges length-prefixed message frames.
package ipc

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/saranblock3/homad/internal/message"
)

// ErrShort means the buffer ended before a fixed-size field could be
// fully read.
var ErrShort = errors.New("ipc: short buffer")

// fixedSize is message_id(8) + source_id(4) + destination_id(4) +
// source_addr(4) + dest_addr(4) + content length prefix(8).
const fixedSize = 8 + 4 + 4 + 4 + 4 + 8

// EncodedLen returns the number of bytes EncodeMessage writes for a
// message carrying contentLen bytes of content.
func EncodedLen(contentLen int) int { return fixedSize + contentLen }

// EncodeMessage serializes msg into buf, which must be at least
// EncodedLen(len(msg.Content)) bytes (spec.md §6 "serialized message
// body").
func EncodeMessage(buf []byte, msg *message.Message) (int, error) {
	need := EncodedLen(len(msg.Content))
	if len(buf) < need {
		return 0, ErrShort
	}
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], msg.ID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], msg.SourceID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], msg.DestinationID)
	off += 4
	copy(buf[off:off+4], addr4(msg.SourceAddr)[:])
	off += 4
	copy(buf[off:off+4], addr4(msg.DestAddr)[:])
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(msg.Content)))
	off += 8
	off += copy(buf[off:], msg.Content)
	return off, nil
}

// DecodeMessage parses buf (the bytes following the 8-byte length
// prefix) into a Message. The returned Content aliases buf.
func DecodeMessage(buf []byte) (message.Message, error) {
	if len(buf) < fixedSize {
		return message.Message{}, ErrShort
	}
	var m message.Message
	off := 0
	m.ID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.SourceID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.DestinationID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	var src, dst [4]byte
	copy(src[:], buf[off:off+4])
	off += 4
	copy(dst[:], buf[off:off+4])
	off += 4
	m.SourceAddr = netip.AddrFrom4(src)
	m.DestAddr = netip.AddrFrom4(dst)
	contentLen := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if uint64(len(buf)-off) < contentLen {
		return message.Message{}, ErrShort
	}
	m.Content = buf[off : off+int(contentLen)]
	return m, nil
}

func addr4(a netip.Addr) [4]byte {
	if !a.IsValid() {
		return [4]byte{}
	}
	return a.As4()
}

func addrFrom4(b [4]byte) netip.Addr {
	return netip.AddrFrom4(b)
}
