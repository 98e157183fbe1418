// Package dedupe keeps a bounded record of recently seen message ids so a
// relaying node does not process or re-flood the same message twice.
package dedupe

import "github.com/hashicorp/golang-lru/v2/simplelru"

// DefaultCapacity is the number of ids remembered when none is configured.
const DefaultCapacity = 100

// Window is a set of message ids that forgets the oldest id once more than
// capacity ids have been recorded. Lookups never refresh an id, so eviction
// follows insertion order. It is owned by a single control loop and is not
// safe for concurrent use.
type Window struct {
	ids *simplelru.LRU[string, struct{}]
	cap int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// NewLRU only fails for a non-positive size
	ids, _ := simplelru.NewLRU[string, struct{}](capacity, nil)
	return &Window{ids: ids, cap: capacity}
}

// Seen reports whether id is currently remembered.
func (w *Window) Seen(id string) bool { return w.ids.Contains(id) }

// Record remembers id, evicting the oldest id when the window is full.
// Recording an id already present does not refresh its position.
func (w *Window) Record(id string) {
	if w.ids.Contains(id) {
		return
	}
	w.ids.Add(id, struct{}{})
}

// Check records id and reports whether it was new.
func (w *Window) Check(id string) bool {
	if w.Seen(id) {
		return false
	}
	w.ids.Add(id, struct{}{})
	return true
}

func (w *Window) Len() int { return w.ids.Len() }

func (w *Window) Cap() int { return w.cap }
