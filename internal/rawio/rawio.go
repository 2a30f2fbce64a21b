// Package rawio implements the raw IPv4 send/receive path (spec.md §4.2):
// one IPv4 raw-socket sender shared behind a short critical section, and a
// small pool of reader workers sharing a socket under a mutex, each
// decoding and dispatching independently once it has released the lock.
//
// Every datagram is wrapped in its own IPv4 header built with IP_HDRINCL so
// homad controls TTL, protocol number and — most importantly — the DSCP
// bits that carry Homa's priority (spec.md §4.1).
package rawio

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/saranblock3/homad/internal/ipv4"
	"github.com/saranblock3/homad/internal/netfmt"
)

// DefaultSenderHandles is the size of the send-socket pool: a handful of
// file descriptors reduces lock contention over a single shared socket at
// the cost of more descriptors (spec.md §9 design notes).
const DefaultSenderHandles = 30

// DefaultReaderWorkers is the number of goroutines pulling packets off the
// shared receive socket (spec.md §4.2/§9: "the design permits N=3 parallel
// readers").
const DefaultReaderWorkers = 3

// Config configures a Socket.
type Config struct {
	SenderHandles int
	ReaderWorkers int
	// TTL is the IPv4 time-to-live every outgoing datagram carries.
	TTL uint8
}

// DefaultConfig returns the spec.md §4.1 defaults (TTL 64).
func DefaultConfig() Config {
	return Config{SenderHandles: DefaultSenderHandles, ReaderWorkers: DefaultReaderWorkers, TTL: 64}
}

// Dispatcher receives a decoded payload (the bytes after the IPv4 header)
// together with the source and destination addresses found in that
// header. It is called concurrently by every reader worker and must not
// block for long.
type Dispatcher func(payload []byte, src, dst [4]byte)

// sendHandle is one raw socket file descriptor dedicated to sending, each
// guarded by its own mutex so concurrent senders only contend with
// whichever other goroutine currently holds the same handle.
type sendHandle struct {
	mu sync.Mutex
	fd int
}

// Socket owns the raw IPv4 socket(s) used for both directions of traffic.
// Opening it is the only part of homad's bootstrap that can be fatal
// (spec.md §7): if the raw socket cannot be created, there is nothing
// useful left to start.
type Socket struct {
	cfg     Config
	senders []*sendHandle
	nextIdx uint64
	mu      sync.Mutex // guards round-robin counter

	recvFD int
	recvMu sync.Mutex // guards the shared receive socket between readers
}

// Open creates the raw sender handles and the shared receive socket, all
// bound to IPv4 protocol 146 (spec.md §4.1).
func Open(cfg Config) (*Socket, error) {
	if cfg.SenderHandles <= 0 {
		cfg.SenderHandles = DefaultSenderHandles
	}
	if cfg.ReaderWorkers <= 0 {
		cfg.ReaderWorkers = DefaultReaderWorkers
	}
	if cfg.TTL == 0 {
		cfg.TTL = 64
	}

	s := &Socket{cfg: cfg}
	for i := 0; i < cfg.SenderHandles; i++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, ipv4.Homa)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("rawio: open send socket %d: %w", i, err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
			unix.Close(fd)
			s.Close()
			return nil, fmt.Errorf("rawio: set IP_HDRINCL: %w", err)
		}
		s.senders = append(s.senders, &sendHandle{fd: fd})
	}

	recvFD, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, ipv4.Homa)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("rawio: open receive socket: %w", err)
	}
	s.recvFD = recvFD
	return s, nil
}

// Close releases every file descriptor the Socket owns.
func (s *Socket) Close() error {
	for _, h := range s.senders {
		if h.fd != 0 {
			unix.Close(h.fd)
		}
	}
	if s.recvFD != 0 {
		unix.Close(s.recvFD)
	}
	return nil
}

// pickSender returns the next send handle round-robin, spreading lock
// contention across the pool instead of a single shared socket.
func (s *Socket) pickSender() *sendHandle {
	s.mu.Lock()
	idx := s.nextIdx
	s.nextIdx++
	s.mu.Unlock()
	return s.senders[idx%uint64(len(s.senders))]
}

// Send wraps payload in an IPv4 header (TTL 64, protocol 146, DSCP =
// dscp) addressed from src to dst and writes it out. The critical section
// held is exactly the syscall (spec.md §4.2/§5: "Any suspension point is
// the socket send").
func (s *Socket) Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error {
	h := s.pickSender()

	buf := make([]byte, 20+len(payload))
	frm, err := ipv4.NewFrame(buf)
	if err != nil {
		return err
	}
	frm.ClearHeader()
	frm.SetVersionAndIHL(4, 5)
	frm.SetToS(ipv4.DSCPToS(dscp))
	frm.SetTotalLength(uint16(len(buf)))
	frm.SetTTL(s.cfg.TTL)
	frm.SetProtocol(ipv4.Homa)
	*frm.SourceAddr() = src
	*frm.DestinationAddr() = dst
	copy(buf[20:], payload)
	crc := frm.CalculateHeaderCRC()
	frm.SetCRC(crc)

	addr := unix.SockaddrInet4{Addr: dst}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return unix.Sendto(h.fd, buf, 0, &addr)
}

// Run starts cfg.ReaderWorkers goroutines, each pulling the next packet
// off the shared receive socket under recvMu and releasing the lock
// before decoding the IPv4 header and invoking dispatch — parallelizing
// decode and mailbox dispatch without reordering more than the kernel
// already permits (spec.md §4.2/§9).
func (s *Socket) Run(ctx context.Context, dispatch Dispatcher) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.ReaderWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.readLoop(ctx, dispatch)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (s *Socket) readLoop(ctx context.Context, dispatch Dispatcher) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.recvMu.Lock()
		n, _, err := unix.Recvfrom(s.recvFD, buf, 0)
		s.recvMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A read error on the raw socket is skipped and the loop
			// continues with the next read; the error is not logged.
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		frm, err := ipv4.NewFrame(packet)
		if err != nil {
			continue
		}
		var v netfmt.Validator
		frm.Validate(&v)
		if v.Err() != nil {
			continue
		}
		if frm.Protocol() != ipv4.Homa {
			continue
		}
		dispatch(frm.Payload(), *frm.SourceAddr(), *frm.DestinationAddr())
	}
}
