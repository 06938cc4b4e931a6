package graph

import (
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
)

// ListenerToken identifies one listener registration on a slot.
// Subscribe calls return a token; passing it to Unsubscribe removes the
// listener deterministically, so operator teardown never leaves
// dangling callbacks behind.
type ListenerToken uint64

// DirtyListener is notified when previously computed results for a
// region of the slot become invalid.
type DirtyListener func(roi domain.Region)

// ReadyListener is notified when the slot's readiness changes.
type ReadyListener func(ready bool)

// MetadataListener is notified when the slot's metadata is set or
// replaced.
type MetadataListener func(meta domain.Metadata)

// StructureListener is notified of multi-slot structural changes with
// the affected sub-slot index.
type StructureListener func(index int)

// listenerSet holds the per-slot publish/subscribe lists. All
// registration and notification goes through its own mutex so listener
// management never interacts with the slot's state lock.
type listenerSet struct {
	mu     sync.Mutex
	next   ListenerToken
	dirty  map[ListenerToken]DirtyListener
	ready  map[ListenerToken]ReadyListener
	meta   map[ListenerToken]MetadataListener
	insert map[ListenerToken]StructureListener
	remove map[ListenerToken]StructureListener
}

func newListenerSet() *listenerSet {
	return &listenerSet{
		dirty:  make(map[ListenerToken]DirtyListener),
		ready:  make(map[ListenerToken]ReadyListener),
		meta:   make(map[ListenerToken]MetadataListener),
		insert: make(map[ListenerToken]StructureListener),
		remove: make(map[ListenerToken]StructureListener),
	}
}

func (ls *listenerSet) token() ListenerToken {
	ls.next++
	return ls.next
}

func (ls *listenerSet) unsubscribe(t ListenerToken) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.dirty, t)
	delete(ls.ready, t)
	delete(ls.meta, t)
	delete(ls.insert, t)
	delete(ls.remove, t)
}

func (ls *listenerSet) fireDirty(roi domain.Region) {
	for _, fn := range ls.snapshotDirty() {
		fn(roi)
	}
}

func (ls *listenerSet) snapshotDirty() []DirtyListener {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]DirtyListener, 0, len(ls.dirty))
	for _, fn := range ls.dirty {
		out = append(out, fn)
	}
	return out
}

func (ls *listenerSet) fireReady(ready bool) {
	ls.mu.Lock()
	out := make([]ReadyListener, 0, len(ls.ready))
	for _, fn := range ls.ready {
		out = append(out, fn)
	}
	ls.mu.Unlock()
	for _, fn := range out {
		fn(ready)
	}
}

func (ls *listenerSet) fireMeta(meta domain.Metadata) {
	ls.mu.Lock()
	out := make([]MetadataListener, 0, len(ls.meta))
	for _, fn := range ls.meta {
		out = append(out, fn)
	}
	ls.mu.Unlock()
	for _, fn := range out {
		fn(meta)
	}
}

func (ls *listenerSet) fireInsert(index int) {
	ls.mu.Lock()
	out := make([]StructureListener, 0, len(ls.insert))
	for _, fn := range ls.insert {
		out = append(out, fn)
	}
	ls.mu.Unlock()
	for _, fn := range out {
		fn(index)
	}
}

func (ls *listenerSet) fireRemove(index int) {
	ls.mu.Lock()
	out := make([]StructureListener, 0, len(ls.remove))
	for _, fn := range ls.remove {
		out = append(out, fn)
	}
	ls.mu.Unlock()
	for _, fn := range out {
		fn(index)
	}
}
