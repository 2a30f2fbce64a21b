// Package mailbox implements the per-application mailbox and the
// process-wide registry that routes inbound datagrams to it (spec.md
// §4.3): spawning per-message Sender/Receiver tasks, a delivered-id set
// to suppress re-delivery, and the fast path the raw I/O reader uses to
// bypass the mailbox's own queue for an already-live receiver.
package mailbox

import (
	"context"
	"sync"

	"github.com/saranblock3/homad/internal/dedup"
	"github.com/saranblock3/homad/internal/message"
	"github.com/saranblock3/homad/internal/priority"
	"github.com/saranblock3/homad/internal/queue"
	"github.com/saranblock3/homad/internal/receiver"
	"github.com/saranblock3/homad/internal/rng"
	"github.com/saranblock3/homad/internal/sender"
	"github.com/saranblock3/homad/internal/wire"
	"github.com/saranblock3/homad/internal/workload"
)

// InboxCapacity is the bounded mailbox queue depth (spec.md §5:
// "typical capacity 1000").
const InboxCapacity = 1000

// Config bundles the per-message Sender/Receiver configuration a mailbox
// passes down to every task it spawns.
type Config struct {
	Sender   sender.Config
	Receiver receiver.Config
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{Sender: sender.DefaultConfig(), Receiver: receiver.DefaultConfig()}
}

// Transport is the outbound half of the raw I/O path, shared by every
// Sender and Receiver a mailbox spawns.
type Transport interface {
	Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error
}

// Writer delivers a fully reassembled message to the application's IPC
// connection.
type Writer interface {
	Deliver(ctx context.Context, messageID uint64, srcID, dstID uint32, peer [4]byte, content []byte)
}

// Metrics is the optional observability sink a Mailbox reports
// sender/receiver task lifecycle events to. A nil Metrics is valid and
// simply means nothing is recorded.
type Metrics interface {
	ObserveSenderStarted()
	ObserveSenderTerminated()
	ObserveReceiverStarted()
	ObserveReceiverTerminated()
}

type senderHandle struct {
	cancel context.CancelFunc
	inbox  *queue.Bounded[wire.Datagram]
}

type receiverHandle struct {
	cancel context.CancelFunc
	inbox  *queue.Bounded[wire.Datagram]
}

type eventKind int

const (
	evFromIO eventKind = iota
	evFromWriter
	evFromReceiver
	evFromSender
	evShutdown
)

type event struct {
	kind eventKind

	datagram wire.Datagram
	srcAddr  [4]byte
	dstAddr  [4]byte

	msg message.Message

	messageID uint64
}

// Mailbox owns one application's live sender/receiver tasks and the
// delivered-message-id set that suppresses duplicate delivery.
type Mailbox struct {
	appID uint32
	cfg   Config

	transport Transport
	priority  *priority.Manager
	workload  *workload.Manager
	writer    Writer
	rng       *rng.Source
	registry  *Registry

	events *queue.Bounded[event]

	mu        sync.Mutex // guards senders/receivers for the fast path below
	senders   map[uint64]*senderHandle
	receivers map[uint64]*receiverHandle

	delivered *dedup.Set
	metrics   Metrics
}

// SetMetrics attaches an observability sink; nil disables reporting
// (the zero value, so this is optional).
func (m *Mailbox) SetMetrics(metrics Metrics) { m.metrics = metrics }

func (m *Mailbox) observeSenderStarted() {
	if m.metrics != nil {
		m.metrics.ObserveSenderStarted()
	}
}

func (m *Mailbox) observeSenderTerminated() {
	if m.metrics != nil {
		m.metrics.ObserveSenderTerminated()
	}
}

func (m *Mailbox) observeReceiverStarted() {
	if m.metrics != nil {
		m.metrics.ObserveReceiverStarted()
	}
}

func (m *Mailbox) observeReceiverTerminated() {
	if m.metrics != nil {
		m.metrics.ObserveReceiverTerminated()
	}
}

// New constructs a Mailbox for appID. Every outgoing datagram's IPv4
// source address is carried per-message instead of fixed per mailbox: an
// outbound Sender uses the application-supplied Message.SourceAddr, and an
// inbound Receiver replies from whatever address the triggering datagram
// was itself addressed to (spec.md §4.1). Call Run to drive its event
// loop.
func New(appID uint32, cfg Config, registry *Registry, transport Transport, pm *priority.Manager, wm *workload.Manager, writer Writer, src *rng.Source) *Mailbox {
	return &Mailbox{
		appID:     appID,
		cfg:       cfg,
		transport: transport,
		priority:  pm,
		workload:  wm,
		writer:    writer,
		rng:       src,
		registry:  registry,
		events:    queue.NewBounded[event](InboxCapacity),
		senders:   make(map[uint64]*senderHandle),
		receivers: make(map[uint64]*receiverHandle),
		delivered: dedup.New(dedup.DefaultCapacity),
	}
}

// FromIO is the slow path for an inbound datagram: enqueue it for the
// mailbox's own event loop to decide whether to forward or spawn
// (spec.md §4.3). srcAddr and dstAddr are the source and destination IPv4
// addresses from d's own IP header; dstAddr becomes the spawned Receiver's
// reply source address if this datagram starts a new message. Call
// FastForward first; only call this if it returns false.
func (m *Mailbox) FromIO(d wire.Datagram, srcAddr, dstAddr [4]byte) {
	// Bounded inbox overflow drops silently (spec.md §7 iv); the sender's
	// own retransmit timer re-drives delivery.
	m.events.Push(event{kind: evFromIO, datagram: d, srcAddr: srcAddr, dstAddr: dstAddr})
}

// FastForward implements the mailbox's fast path (spec.md §4.3): if a
// live receiver (for Data) or sender (for control) already exists for
// d's message id, forward directly without touching the mailbox's own
// queue, and report true. A control datagram with no live sender is
// dropped here and also reports true. Only a Data datagram with no live
// receiver reports false, so the caller falls back to FromIO.
func (m *Mailbox) FastForward(d wire.Datagram, srcAddr [4]byte) bool {
	if d.Kind == wire.KindData {
		m.mu.Lock()
		h, ok := m.receivers[d.MessageID]
		m.mu.Unlock()
		if !ok {
			return false
		}
		deliverNonBlocking(h.inbox, d)
		return true
	}

	m.mu.Lock()
	h, ok := m.senders[d.MessageID]
	m.mu.Unlock()
	if !ok {
		// Control datagram with no live sender: drop (spec.md §4.3).
		return true
	}
	deliverNonBlocking(h.inbox, d)
	return true
}

func deliverNonBlocking(q *queue.Bounded[wire.Datagram], d wire.Datagram) {
	q.Push(d)
}

// FromWriter enqueues a new outbound message from the application
// (spec.md §4.3 FromWriter).
func (m *Mailbox) FromWriter(msg message.Message) {
	m.events.Push(event{kind: evFromWriter, msg: msg})
}

// FromSender notifies the mailbox that sender id terminated (spec.md
// §4.3 FromSender). Satisfies sender.Mailbox.
func (m *Mailbox) FromSender(ctx context.Context, messageID uint64) {
	m.events.Push(event{kind: evFromSender, messageID: messageID})
}

// FromReceiver notifies the mailbox that receiver id terminated (spec.md
// §4.3 FromReceiver). Satisfies receiver.Mailbox.
func (m *Mailbox) FromReceiver(ctx context.Context, messageID uint64) {
	m.events.Push(event{kind: evFromReceiver, messageID: messageID})
}

// Shutdown requests the mailbox close its inbox and abort every live
// task (spec.md §4.3 Shutdown).
func (m *Mailbox) Shutdown() {
	m.events.Push(event{kind: evShutdown})
}

// Run drives the mailbox's event loop until Shutdown is processed or ctx
// is cancelled.
func (m *Mailbox) Run(ctx context.Context) {
	defer m.registry.Unregister(m.appID)
	for {
		select {
		case <-ctx.Done():
			m.abortAll()
			return
		case <-m.events.Notify():
			ev, ok := m.events.Pop()
			if !ok {
				continue
			}
			switch ev.kind {
			case evFromIO:
				m.handleFromIO(ctx, ev.datagram, ev.srcAddr, ev.dstAddr)
			case evFromWriter:
				m.handleFromWriter(ctx, ev.msg)
			case evFromReceiver:
				m.handleFromReceiver(ev.messageID)
			case evFromSender:
				m.handleFromSender(ev.messageID)
			case evShutdown:
				m.abortAll()
				return
			}
		}
	}
}

func (m *Mailbox) handleFromIO(ctx context.Context, d wire.Datagram, srcAddr, dstAddr [4]byte) {
	if d.Kind != wire.KindData {
		// FastForward forwards or drops every control datagram itself, so
		// one only gets here through a direct FromIO call; drop it.
		return
	}
	if m.delivered.Contains(d.MessageID) {
		return
	}

	m.mu.Lock()
	h, ok := m.receivers[d.MessageID]
	m.mu.Unlock()
	if ok {
		deliverNonBlocking(h.inbox, d)
		return
	}

	m.spawnReceiver(ctx, d, srcAddr, dstAddr)
}

func (m *Mailbox) spawnReceiver(ctx context.Context, first wire.Datagram, srcAddr, dstAddr [4]byte) {
	taskCtx, cancel := context.WithCancel(ctx)
	r := receiver.New(m.cfg.Receiver, first, srcAddr, dstAddr, m.transport, m.priority, m.workload, m.writer, m, m.rng)

	m.mu.Lock()
	m.receivers[first.MessageID] = &receiverHandle{cancel: cancel, inbox: r.Inbox}
	m.mu.Unlock()
	m.observeReceiverStarted()

	go r.Run(taskCtx)
}

func (m *Mailbox) handleFromWriter(ctx context.Context, msg message.Message) {
	var id uint64
	for {
		id = m.rng.MessageID()
		m.mu.Lock()
		_, exists := m.senders[id]
		m.mu.Unlock()
		if !exists {
			break
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	params := sender.Params{
		MessageID:     id,
		SourceID:      msg.SourceID,
		DestinationID: msg.DestinationID,
		Local:         msg.SourceAddr.As4(),
		Peer:          msg.DestAddr.As4(),
		Content:       msg.Content,
	}
	s := sender.New(m.cfg.Sender, params, m.transport, m.priority, m.workload, m, m.rng)

	m.mu.Lock()
	m.senders[id] = &senderHandle{cancel: cancel, inbox: s.Inbox}
	m.mu.Unlock()
	m.observeSenderStarted()

	go s.Run(taskCtx)
}

func (m *Mailbox) handleFromReceiver(messageID uint64) {
	m.delivered.Mark(messageID)
	m.mu.Lock()
	h, ok := m.receivers[messageID]
	delete(m.receivers, messageID)
	m.mu.Unlock()
	if ok {
		h.cancel()
		m.observeReceiverTerminated()
	}
}

func (m *Mailbox) handleFromSender(messageID uint64) {
	m.mu.Lock()
	h, ok := m.senders[messageID]
	delete(m.senders, messageID)
	m.mu.Unlock()
	if ok {
		h.cancel()
		m.observeSenderTerminated()
	}
}

func (m *Mailbox) abortAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.senders {
		h.cancel()
		delete(m.senders, id)
	}
	for id, h := range m.receivers {
		h.cancel()
		delete(m.receivers, id)
	}
}
