// Package retrace instruments bytecode execution: per-thread instruction
// counting with threshold callbacks, per-frame provenance tag stacks, and
// an entry point that runs a target callable under instrumentation in an
// ambient or isolated runtime instance.
package retrace

import (
	"sync"

	"github.com/retracesoftware/retrace/vm"
)

// ---------------------------------------------------------------------------
// ThreadState: per-thread-context counters
// ---------------------------------------------------------------------------

// ThreadState holds the instruction counters for one thread context.
// Counters are mutated only from that context's own dispatch path, so
// reads from the user callback (which runs inline on the same stack)
// need no synchronization.
type ThreadState struct {
	counter         uint64 // instructions observed, monotonic
	frameCounter    uint64 // next frame ordinal to assign
	callbackCounter uint64 // instruction count at which the callback fires; 0 = disabled
	thread          any    // caller-supplied identity, immutable after creation
}

// Counter returns the number of instructions observed on this thread.
func (s *ThreadState) Counter() uint64 {
	return s.counter
}

// FrameCounter returns the next frame ordinal to be assigned.
func (s *ThreadState) FrameCounter() uint64 {
	return s.frameCounter
}

// CallbackCounter returns the instruction count at which the next user
// callback fires; 0 means callbacks are disabled.
func (s *ThreadState) CallbackCounter() uint64 {
	return s.callbackCounter
}

// Thread returns the stored thread identity, or nil if none was set.
func (s *ThreadState) Thread() any {
	return s.thread
}

func (s *ThreadState) nextFrameOrdinal() uint64 {
	o := s.frameCounter
	s.frameCounter++
	return o
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// threadRegistry maps thread-context identities (interpreter IDs) to
// their counters. Insertion is rare relative to instruction volume, so
// a single RWMutex suffices.
type threadRegistry struct {
	mu     sync.RWMutex
	states map[uint64]*ThreadState
}

var threads = &threadRegistry{states: make(map[uint64]*ThreadState)}

func (r *threadRegistry) get(id uint64) (*ThreadState, bool) {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	return st, ok
}

// create inserts a zero-initialized record carrying the supplied thread
// identity. If the identity is already known the existing record is
// returned and thread is ignored.
func (r *threadRegistry) create(id uint64, thread any) *ThreadState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[id]; ok {
		return st
	}
	st := &ThreadState{thread: thread}
	r.states[id] = st
	return st
}

// threadStateFor is the get-or-create path used from the dispatch hot
// path. On first touch of an unseen thread context the context's
// thread-identity function supplies the identity.
func threadStateFor(in *vm.Interpreter, c *Context) (*ThreadState, error) {
	if st, ok := threads.get(in.ID()); ok {
		return st, nil
	}
	identity, err := c.invokeThreadIdentity()
	if err != nil {
		return nil, err
	}
	return threads.create(in.ID(), identity), nil
}

// ThreadStateFor returns the counters record for an interpreter, if one
// has been created.
func ThreadStateFor(in *vm.Interpreter) (*ThreadState, bool) {
	return threads.get(in.ID())
}
