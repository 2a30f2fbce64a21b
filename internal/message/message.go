// Package message defines the application-facing Message object that the
// mailbox reassembles incoming datagrams into and splits outgoing content
// from (spec.md §3 "Message").
package message

import "net/netip"

// Message is a complete application-level unit exchanged over the local
// IPC surface (spec.md §6) and over the wire once split into Data
// datagrams.
type Message struct {
	ID            uint64
	SourceID      uint32
	DestinationID uint32
	SourceAddr    netip.Addr
	DestAddr      netip.Addr
	Content       []byte
}
