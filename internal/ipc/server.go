package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/saranblock3/homad/internal/message"
)

// Registrar is the process-wide surface a new IPC connection registers
// against: it builds (or looks up) the mailbox for an application id and
// exposes a way to push inbound messages into it.
type Registrar interface {
	// Attach registers appID against a Writer bound to this connection
	// and returns a function to push an outbound application message
	// into that mailbox. Returns an error if appID is already attached.
	Attach(appID uint32, w Writer) (push func(message.Message), detach func(), err error)
}

// Writer is what a Registrar delivers inbound (wire-reassembled)
// messages through; Server implements it per connection.
type Writer interface {
	Deliver(ctx context.Context, messageID uint64, srcID, dstID uint32, peer [4]byte, content []byte)
}

// Server accepts IPC connections on a Unix stream socket (spec.md §6).
type Server struct {
	path      string
	registrar Registrar
	log       *logrus.Entry
}

// NewServer binds nothing yet; call Listen to start accepting.
func NewServer(path string, registrar Registrar, log *logrus.Entry) *Server {
	return &Server{path: path, registrar: registrar, log: log}
}

// Listen opens the Unix socket at path (removing a stale one first) and
// accepts connections until ctx is cancelled. Bind failure here is the
// fatal bootstrap error spec.md §7 describes for the IPC surface.
func (s *Server) Listen(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.path, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("ipc: accept failed")
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var idBuf [4]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		s.log.WithError(err).Debug("ipc: registration read failed")
		return
	}
	appID := binary.LittleEndian.Uint32(idBuf[:])

	c := &connWriter{conn: conn}
	push, detach, err := s.registrar.Attach(appID, c)
	if err != nil {
		s.log.WithError(err).WithField("app_id", appID).Warn("ipc: attach failed")
		return
	}
	defer detach()

	log := s.log.WithField("app_id", appID)
	log.Info("ipc: application registered")

	var lenBuf [8]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("ipc: peer closed")
			}
			return
		}
		n := binary.LittleEndian.Uint64(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			log.WithError(err).Debug("ipc: short message body")
			return
		}
		msg, err := DecodeMessage(body)
		if err != nil {
			log.WithError(err).Debug("ipc: malformed message frame")
			continue
		}
		push(msg)
	}
}

// connWriter implements ipc.Writer by framing and writing Deliver calls
// straight onto the owning connection.
type connWriter struct {
	conn net.Conn
}

func (c *connWriter) Deliver(ctx context.Context, messageID uint64, srcID, dstID uint32, peer [4]byte, content []byte) {
	msg := message.Message{
		ID:            messageID,
		SourceID:      srcID,
		DestinationID: dstID,
		SourceAddr:    addrFrom4(peer),
		Content:       content,
	}
	buf := make([]byte, 8+EncodedLen(len(content)))
	n, err := EncodeMessage(buf[8:], &msg)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(buf[:8], uint64(n))
	_, _ = c.conn.Write(buf[:8+n])
}
