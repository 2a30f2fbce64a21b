package mailbox

import (
	"sync"

	"github.com/saranblock3/homad/internal/wire"
)

// Registry is the process-wide application-id → mailbox map (spec.md
// §5: "the only process-wide shared structures are (a) the mailbox
// registry... guarded by a short-held mutex").
type Registry struct {
	mu   sync.RWMutex
	byID map[uint32]*Mailbox
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]*Mailbox)}
}

// Register adds mb under appID, replacing any prior mailbox registered
// under the same id.
func (r *Registry) Register(appID uint32, mb *Mailbox) {
	r.mu.Lock()
	r.byID[appID] = mb
	r.mu.Unlock()
}

// Unregister removes appID from the registry.
func (r *Registry) Unregister(appID uint32) {
	r.mu.Lock()
	delete(r.byID, appID)
	r.mu.Unlock()
}

// Lookup returns the mailbox registered under appID, if any.
func (r *Registry) Lookup(appID uint32) (*Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.byID[appID]
	return mb, ok
}

// Dispatch decodes payload as a Homa datagram and routes it to the
// mailbox registered for its destination application id, trying the
// fast path before falling back to the mailbox's own queue (spec.md
// §4.2/§4.3). It matches rawio.Dispatcher's signature so it can be
// passed directly as the raw I/O reader's dispatch callback.
//
// Decode failures, checksum mismatches and unknown destination ids are
// all dropped silently (spec.md §7 i-iii).
func (r *Registry) Dispatch(payload []byte, src, dst [4]byte) {
	d, err := wire.Decode(payload)
	if err != nil {
		return
	}
	mb, ok := r.Lookup(d.DestinationID)
	if !ok {
		return
	}
	if mb.FastForward(d, src) {
		return
	}
	mb.FromIO(d, src, dst)
}
