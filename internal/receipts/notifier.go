package receipts

import (
	"sync"

	"github.com/Cypherspark/agent-desk/internal/core"
)

// Entry is one visibility observation: how much of the message is on screen.
type Entry struct {
	Ref   core.MessageRef `json:"ref"`
	Ratio float64         `json:"ratio"`
}

// Notifier abstracts the platform's viewport intersection primitive. The
// observer tells it what to watch; the platform reports back through
// Observer.HandleVisibility.
type Notifier interface {
	Observe(ref core.MessageRef)
	Unobserve(ref core.MessageRef)
}

// WatchSet is a Notifier that only remembers what is being watched. It
// serves clients that push visibility themselves, such as the HTTP API.
type WatchSet struct {
	mu   sync.Mutex
	refs map[core.MessageRef]struct{}
}

func NewWatchSet() *WatchSet { return &WatchSet{refs: make(map[core.MessageRef]struct{})} }

func (w *WatchSet) Observe(ref core.MessageRef) {
	w.mu.Lock()
	w.refs[ref] = struct{}{}
	w.mu.Unlock()
}

func (w *WatchSet) Unobserve(ref core.MessageRef) {
	w.mu.Lock()
	delete(w.refs, ref)
	w.mu.Unlock()
}

func (w *WatchSet) Watching(ref core.MessageRef) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.refs[ref]
	return ok
}

func (w *WatchSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.refs)
}
