package retrace

import "sync"

// ---------------------------------------------------------------------------
// Frame: per-frame provenance record
// ---------------------------------------------------------------------------

// Frame is the instrumentation record for one execution frame: its
// ordinal within the owning thread context and a LIFO stack of
// provenance tags, independent of the host's value stack.
//
// The provenance operations never fail: popping an empty stack and
// peeking out of range return the 0 sentinel. They run on the
// instruction-dispatch path, where failure must never interrupt normal
// execution. A Frame is mutated only from its own dispatch path.
type Frame struct {
	ordinal    uint64
	provenance []uint64
}

// Ordinal returns the frame's activation ordinal within its thread
// context.
func (f *Frame) Ordinal() uint64 {
	return f.ordinal
}

// PushProvenance pushes a tag onto the provenance stack.
func (f *Frame) PushProvenance(tag uint64) {
	f.provenance = append(f.provenance, tag)
}

// PopProvenance pops and returns the top tag. Returns 0 and leaves the
// stack unchanged if the stack is empty.
func (f *Frame) PopProvenance() uint64 {
	n := len(f.provenance)
	if n == 0 {
		return 0
	}
	tag := f.provenance[n-1]
	f.provenance = f.provenance[:n-1]
	return tag
}

// PeekProvenance returns the tag at the given depth from the top
// (0 = top). Returns 0 if offset is out of range.
func (f *Frame) PeekProvenance(offset int) uint64 {
	n := len(f.provenance)
	if offset < 0 || offset >= n {
		return 0
	}
	return f.provenance[n-1-offset]
}

// ProvenanceDepth returns the current stack depth.
func (f *Frame) ProvenanceDepth() int {
	return len(f.provenance)
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// frameTable maps host frame IDs to their records. Records are evicted
// when the host tears the frame down, via the VM's frame-pop hook.
type frameTable struct {
	mu      sync.RWMutex
	records map[uint64]*Frame
}

var frames = &frameTable{records: make(map[uint64]*Frame)}

func (t *frameTable) get(frameID uint64) (*Frame, bool) {
	t.mu.RLock()
	f, ok := t.records[frameID]
	t.mu.RUnlock()
	return f, ok
}

func (t *frameTable) create(frameID, ordinal uint64) *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.records[frameID]; ok {
		return f
	}
	f := &Frame{ordinal: ordinal}
	t.records[frameID] = f
	return f
}

func (t *frameTable) evict(frameID uint64) {
	t.mu.Lock()
	delete(t.records, frameID)
	t.mu.Unlock()
}

func (t *frameTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// FrameRecord returns the provenance record for a host frame ID, if the
// frame is live and has been observed.
func FrameRecord(frameID uint64) (*Frame, bool) {
	return frames.get(frameID)
}
