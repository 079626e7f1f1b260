package engine

import (
	"sync"
)

// defaultThingCapacity bounds the thing registry. Entries past the cap are
// silently evicted in registration order; callers must treat indices as
// best-effort handles.
const defaultThingCapacity = 4096

// thingRegistry is a dense arena mapping recorded indices to live values.
// Indices are recorded events, so a replay resolves the same index to the
// value registered at the same point in its own execution.
type thingRegistry struct {
	mu    sync.Mutex
	slots map[uint64]registeredThing
	byKey map[interface{}]uint64
	order []uint64
	next  uint64
	cap   int
}

type registeredThing struct {
	key   interface{}
	thing interface{}
}

func newThingRegistry(capacity int) *thingRegistry {
	return &thingRegistry{
		slots: make(map[uint64]registeredThing),
		byKey: make(map[interface{}]uint64),
		cap:   capacity,
	}
}

// RegisterThing associates a value with a recorded index. key must be
// comparable and identifies the value for ThingIndex lookups. The returned
// index is identical between recording and replay.
func (e *Engine) RegisterThing(th *Thread, key, thing interface{}) uint64 {
	r := e.things
	r.mu.Lock()
	candidate := r.next + 1
	r.mu.Unlock()

	idx := th.RecordOrReplayValue("RegisterThing", candidate)

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx > r.next {
		r.next = idx
	}
	if old, ok := r.slots[idx]; ok {
		delete(r.byKey, old.key)
	}
	r.slots[idx] = registeredThing{key: key, thing: thing}
	r.byKey[key] = idx
	r.order = append(r.order, idx)
	for len(r.slots) > r.cap {
		victim := r.order[0]
		r.order = r.order[1:]
		if old, ok := r.slots[victim]; ok {
			delete(r.byKey, old.key)
			delete(r.slots, victim)
		}
	}
	return idx
}

// ThingIndex returns the index a key was registered under. ok is false when
// the key was never registered or its entry was evicted.
func (e *Engine) ThingIndex(key interface{}) (uint64, bool) {
	r := e.things
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byKey[key]
	return idx, ok
}

// Thing resolves a recorded index back to its registered value.
func (e *Engine) Thing(idx uint64) (interface{}, bool) {
	r := e.things
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.slots[idx]
	if !ok {
		return nil, false
	}
	return t.thing, true
}
