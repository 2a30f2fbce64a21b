// Package ipv4 wraps raw IPv4 header bytes, adapted from the reference IPv4
// framing used across the homad raw I/O path. Homa datagrams ride inside
// IPv4 (protocol 146, see spec.md §6) purely for DSCP-carried priority and
// addressing; fragmentation, options and fragmentation-related fields are
// modeled only far enough to build and parse that header.
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/saranblock3/homad/internal/netfmt"
)

const (
	sizeHeader = 20
	// Homa is the IPv4 protocol number homad's datagrams travel under, per
	// spec.md §4.1/§6.
	Homa = 146
)

// ToS is the IPv4 Type-of-Service octet: 6 MSBs are the DSCP, 2 LSBs are ECN.
type ToS uint8

// DSCP returns the 6-bit Differentiated Services Code Point, the field that
// carries a datagram's Homa priority on the wire (spec.md §4.1).
func (tos ToS) DSCP() uint8 { return uint8(tos) >> 2 }

// ECN returns the Explicit Congestion Notification bits. homad never sets
// them; present for completeness of the header model.
func (tos ToS) ECN() uint8 { return uint8(tos) & 0b11 }

// DSCPToS builds a ToS octet from a DSCP value, ECN bits cleared.
func DSCPToS(dscp uint8) ToS { return ToS(dscp << 2) }

// Flags holds the IPv4 fragmentation control/offset bits.
type Flags uint16

// DontFragment reports the DF bit. homad's raw send path leaves it clear;
// MAX_PAYLOAD is chosen to fit a non-fragmenting MTU (spec.md §4.1).
func (f Flags) DontFragment() bool { return f&0x4000 != 0 }

// NewFrame wraps buf as an IPv4 header. buf must be at least 20 bytes; the
// caller is responsible for ensuring it also holds the payload that follows
// the header when TotalLength bytes are needed.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errors.New("ipv4: short buffer")
	}
	return Frame{buf: buf}, nil
}

// Frame is a thin accessor over raw IPv4 header bytes. See RFC 791.
type Frame struct {
	buf []byte
}

// RawData returns the underlying buffer the frame was built on.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) ihl() uint8     { return f.buf[0] & 0xf }
func (f Frame) version() uint8 { return f.buf[0] >> 4 }

// HeaderLength returns the header length in bytes, as encoded by IHL.
func (f Frame) HeaderLength() int { return int(f.ihl()) * 4 }

// SetVersionAndIHL sets the version (always 4) and header length in 32-bit
// words (5 when no options are present).
func (f Frame) SetVersionAndIHL(version, ihl uint8) { f.buf[0] = version<<4 | ihl&0xf }

// ToS returns the Type-of-Service octet.
func (f Frame) ToS() ToS { return ToS(f.buf[1]) }

// SetToS sets the Type-of-Service octet.
func (f Frame) SetToS(tos ToS) { f.buf[1] = byte(tos) }

// TotalLength returns the entire packet size in bytes, header included.
func (f Frame) TotalLength() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }

// SetTotalLength sets the total packet length field.
func (f Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(f.buf[2:4], tl) }

// ID returns the fragmentation identification field.
func (f Frame) ID() uint16 { return binary.BigEndian.Uint16(f.buf[4:6]) }

// SetID sets the fragmentation identification field.
func (f Frame) SetID(id uint16) { binary.BigEndian.PutUint16(f.buf[4:6], id) }

// FlagsAndOffset returns the combined flags/fragment-offset field.
func (f Frame) FlagsAndOffset() Flags { return Flags(binary.BigEndian.Uint16(f.buf[6:8])) }

// SetFlagsAndOffset sets the combined flags/fragment-offset field.
func (f Frame) SetFlagsAndOffset(v Flags) { binary.BigEndian.PutUint16(f.buf[6:8], uint16(v)) }

// TTL returns the time-to-live field.
func (f Frame) TTL() uint8 { return f.buf[8] }

// SetTTL sets the time-to-live field.
func (f Frame) SetTTL(ttl uint8) { f.buf[8] = ttl }

// Protocol returns the upper-layer protocol number.
func (f Frame) Protocol() uint8 { return f.buf[9] }

// SetProtocol sets the upper-layer protocol number.
func (f Frame) SetProtocol(proto uint8) { f.buf[9] = proto }

// CRC returns the header checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[10:12]) }

// SetCRC sets the header checksum field.
func (f Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(f.buf[10:12], cs) }

// CalculateHeaderCRC computes the RFC 791 checksum over the 20-byte fixed
// header (options excluded), treating the checksum field itself as zero.
func (f Frame) CalculateHeaderCRC() uint16 {
	var crc netfmt.CRC791
	crc.WriteEven(f.buf[0:10])
	crc.WriteEven(f.buf[12:20])
	return crc.Sum16()
}

// SourceAddr returns a pointer to the 4-byte source address.
func (f Frame) SourceAddr() *[4]byte { return (*[4]byte)(f.buf[12:16]) }

// DestinationAddr returns a pointer to the 4-byte destination address.
func (f Frame) DestinationAddr() *[4]byte { return (*[4]byte)(f.buf[16:20]) }

// Payload returns the bytes following the header, up to TotalLength.
// Call ValidateSize first to avoid panics on malformed input.
func (f Frame) Payload() []byte {
	off := f.HeaderLength()
	return f.buf[off:f.TotalLength()]
}

// ClearHeader zeros the fixed 20-byte header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

var (
	errBadTotalLength = errors.New("ipv4: bad total length")
	errShort          = errors.New("ipv4: short data")
	errBadIHL         = errors.New("ipv4: bad IHL")
	errBadVersion     = errors.New("ipv4: bad version")
)

// ValidateSize checks the size-related header fields against the actual
// buffer length.
func (f Frame) ValidateSize(v *netfmt.Validator) {
	tl := f.TotalLength()
	if tl < sizeHeader {
		v.AddError(errBadTotalLength)
	}
	if int(tl) > len(f.buf) {
		v.AddError(errShort)
	}
	if f.ihl() < 5 {
		v.AddError(errBadIHL)
	}
}

// Validate checks size fields and the version field (must be 4).
func (f Frame) Validate(v *netfmt.Validator) {
	f.ValidateSize(v)
	if f.version() != 4 {
		v.AddError(errBadVersion)
	}
}

func (f Frame) String() string {
	dst := netip.AddrFrom4(*f.DestinationAddr())
	src := netip.AddrFrom4(*f.SourceAddr())
	return fmt.Sprintf("IP proto=%d SRC=%s DST=%s LEN=%d TTL=%d ID=%d DSCP=%d",
		f.Protocol(), src, dst, f.TotalLength(), f.TTL(), f.ID(), f.ToS().DSCP())
}
