package engine

import (
	"errors"
	"sync"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/recording"
)

// Ordered locks record the order threads acquire them, and impose that
// order on replay. Each lock owns a recording stream of acquirer thread
// IDs; while replaying, a thread may only take the lock when the next
// entry in the stream names it.

type lockTable struct {
	e     *Engine
	mu    sync.Mutex
	locks map[uint32]*OrderedLock
	next  uint32
}

func newLockTable(e *Engine) *lockTable {
	return &lockTable{e: e, locks: make(map[uint32]*OrderedLock)}
}

// notify wakes waiters on a lock after its stream gained data. Invoked by
// the recording without its own lock held.
func (t *lockTable) notify(lockID uint32) {
	t.mu.Lock()
	l := t.locks[lockID]
	t.mu.Unlock()
	if l != nil {
		l.turnMu.Lock()
		l.turnCond.Broadcast()
		l.turnMu.Unlock()
	}
}

// OrderedLock is a mutex whose acquisition order is part of the recording.
type OrderedLock struct {
	e    *Engine
	id   uint32
	name string

	mu sync.Mutex // the lock itself

	// gated records whether the current holder came through the replay
	// gate; guarded by mu.
	gated bool

	turnMu   sync.Mutex
	turnCond *sync.Cond
	next     uint64
	hasNext  bool
	held     bool
	degraded bool
}

// CreateOrderedLock creates a lock whose ID is itself recorded, so both
// sides of a replay agree on which stream belongs to it.
func (e *Engine) CreateOrderedLock(th *Thread, name string) *OrderedLock {
	// Reserve the candidate under the table lock so concurrent creations
	// record distinct IDs.
	e.locks.mu.Lock()
	e.locks.next++
	candidate := e.locks.next
	e.locks.mu.Unlock()

	id := uint32(th.RecordOrReplayValue("CreateOrderedLock", uint64(candidate)))

	e.locks.mu.Lock()
	defer e.locks.mu.Unlock()
	if l, ok := e.locks.locks[id]; ok {
		return l
	}
	if id > e.locks.next {
		e.locks.next = id
	}
	l := &OrderedLock{e: e, id: id, name: name}
	l.turnCond = sync.NewCond(&l.turnMu)
	if e.rec != nil {
		// Touch the stream up front so it exists for replay routing.
		e.rec.Stream(core.StreamLock, id)
	}
	e.locks.locks[id] = l
	return l
}

// LockByID returns a previously created ordered lock.
func (e *Engine) LockByID(id uint32) (*OrderedLock, bool) {
	e.locks.mu.Lock()
	defer e.locks.mu.Unlock()
	l, ok := e.locks.locks[id]
	return l, ok
}

func (l *OrderedLock) ID() uint32   { return l.id }
func (l *OrderedLock) Name() string { return l.name }

func (l *OrderedLock) stream() *recording.Stream {
	return l.e.rec.Stream(core.StreamLock, l.id)
}

// Lock acquires the lock. While recording, the acquiring thread is appended
// to the lock's stream. While replaying, the call blocks until the stream
// says it is this thread's turn. Pass-through, disallowed and diverged
// threads degrade to plain locking.
func (l *OrderedLock) Lock(th *Thread) {
	if l.plainFor(th) {
		l.mu.Lock()
		return
	}
	switch l.e.role {
	case core.RoleRecording:
		l.mu.Lock()
		// Append while holding the lock so stream order matches
		// acquisition order.
		if err := l.stream().WriteUvarint(uint64(th.id)); err != nil {
			l.mu.Unlock()
			l.e.fatal(err)
			l.mu.Lock()
		}
	case core.RoleReplaying:
		granted := l.waitTurn(th)
		l.mu.Lock()
		l.gated = granted
	}
}

// Unlock releases the lock. A replaying holder keeps its turn until here,
// so the next recorded acquirer cannot race a later one for the mutex.
func (l *OrderedLock) Unlock(th *Thread) {
	gated := l.gated
	l.gated = false
	l.mu.Unlock()
	if gated {
		l.turnMu.Lock()
		l.held = false
		l.turnCond.Broadcast()
		l.turnMu.Unlock()
	}
}

func (l *OrderedLock) plainFor(th *Thread) bool {
	if l.e.role == core.RoleNeither || th.diverged {
		return true
	}
	return th.disallowDepth > 0 || th.passThroughDepth > 0
}

// waitTurn blocks until the lock stream's next entry names th and the
// previous gated holder has released the lock. It reports whether a turn
// was granted; the grant is held until Unlock clears it. If the stream
// runs out, the recording ended while the lock was contended and the lock
// degrades to plain ordering for all later acquirers.
func (l *OrderedLock) waitTurn(th *Thread) bool {
	unblock := th.enterBlocked()
	defer unblock()

	l.turnMu.Lock()
	defer l.turnMu.Unlock()
	for {
		if l.degraded {
			return false
		}
		if !l.hasNext {
			v, ok, err := l.stream().TryReadUvarint()
			switch {
			case err != nil && errors.Is(err, core.ErrRecordingStalled):
				l.degraded = true
				l.turnCond.Broadcast()
				return false
			case err != nil:
				l.e.fatal(err)
				return false
			case ok:
				l.next = v
				l.hasNext = true
				l.turnCond.Broadcast()
				continue
			}
		}
		if !l.held && l.hasNext && l.next == uint64(th.id) {
			l.hasNext = false
			l.held = true
			return true
		}
		l.turnCond.Wait()
	}
}
