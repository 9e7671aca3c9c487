package retrace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/retracesoftware/retrace/vm"
)

// ---------------------------------------------------------------------------
// ProvenanceTracker
// ---------------------------------------------------------------------------

// ProvenanceTracker records where values come from as a program runs.
// It classifies traced instructions into loads, stores, and binary
// operations, drives the per-frame provenance tag stacks, and keeps a
// record per produced value: loads produce leaf records, binary
// operations produce records linked to their two source records, and
// stores bind the top record to a variable name and append it to the
// history.
//
// A tracker can ride along with Run (RunConfig.Tracker) or observe a VM
// standalone via TraceHook.
type ProvenanceTracker struct {
	// ID distinguishes trackers when several observe the same process.
	ID uuid.UUID

	mu      sync.Mutex
	nextTag uint64
	instr   uint64 // standalone instruction count (TraceHook only)
	frameNo uint64 // standalone frame ordinals (TraceHook only)

	records map[uint64]*Record // tag -> record
	byVar   map[varKey]*Record // latest assignment per (frame, variable)
	history []*Record          // assignments in order
}

type varKey struct {
	frame uint64
	name  string
}

// Record describes the origin of one value.
type Record struct {
	Tag          uint64    // provenance tag, unique per tracker, never 0
	Instruction  uint64    // instruction count when produced
	FrameOrdinal uint64    // frame the value was produced in
	Variable     string    // bound name; "" for intermediate values
	Op           vm.Opcode // producing (or binding) opcode
	Sources      []*Record // inputs, for binary operations
}

// NewProvenanceTracker creates an empty tracker.
func NewProvenanceTracker() *ProvenanceTracker {
	return &ProvenanceTracker{
		ID:      uuid.New(),
		records: make(map[uint64]*Record),
		byVar:   make(map[varKey]*Record),
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// observe processes one traced instruction. Called from the trace path
// with the owning thread's instruction count.
func (t *ProvenanceTracker) observe(in *vm.Interpreter, ev vm.TraceEvent, instr uint64) {
	fr, ok := frames.get(ev.FrameID)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	op := ev.Opcode
	switch {
	case op.IsLoad():
		rec := t.newRecord(instr, fr.Ordinal(), t.operandName(in, ev), op, nil)
		fr.PushProvenance(rec.Tag)

	case op.IsBinary():
		// Right operand was pushed last
		right := t.records[fr.PopProvenance()]
		left := t.records[fr.PopProvenance()]
		var sources []*Record
		if left != nil {
			sources = append(sources, left)
		}
		if right != nil {
			sources = append(sources, right)
		}
		rec := t.newRecord(instr, fr.Ordinal(), "", op, sources)
		fr.PushProvenance(rec.Tag)

	case op.IsStore():
		src := t.records[fr.PopProvenance()]
		name := t.operandName(in, ev)
		var sources []*Record
		if src != nil {
			sources = append(sources, src)
		}
		rec := t.newRecord(instr, fr.Ordinal(), name, op, sources)
		t.byVar[varKey{frame: fr.Ordinal(), name: name}] = rec
		t.history = append(t.history, rec)
	}
}

func (t *ProvenanceTracker) newRecord(instr, frame uint64, name string, op vm.Opcode, sources []*Record) *Record {
	t.nextTag++
	rec := &Record{
		Tag:          t.nextTag,
		Instruction:  instr,
		FrameOrdinal: frame,
		Variable:     name,
		Op:           op,
		Sources:      sources,
	}
	t.records[rec.Tag] = rec
	return rec
}

// operandName resolves the variable name an instruction reads or
// writes, using the method's debug metadata for temps and the VM symbol
// table for globals. Constants and unnamed temps yield "".
func (t *ProvenanceTracker) operandName(in *vm.Interpreter, ev vm.TraceEvent) string {
	code := ev.Method.Bytecode

	switch ev.Opcode {
	case vm.OpPushTemp, vm.OpStoreTemp:
		if ev.IP+1 >= len(code) {
			return ""
		}
		idx := int(code[ev.IP+1])
		if name := ev.Method.TempName(idx); name != "" {
			return name
		}
		return fmt.Sprintf("t%d", idx)

	case vm.OpPushGlobal, vm.OpStoreGlobal:
		if ev.IP+2 >= len(code) {
			return ""
		}
		litIdx := int(code[ev.IP+1]) | int(code[ev.IP+2])<<8
		if litIdx >= ev.Method.LiteralCount() {
			return ""
		}
		lit := ev.Method.GetLiteral(litIdx)
		if lit.IsSymbol() {
			return in.VM().SymbolName(lit.SymbolID())
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Standalone tracing
// ---------------------------------------------------------------------------

// TraceHook adapts the tracker to a VM trace function so it can observe
// execution without the counting instrumentation. Frame records are
// created on demand with tracker-local ordinals.
func (t *ProvenanceTracker) TraceHook() vm.TraceFunc {
	return func(in *vm.Interpreter, ev vm.TraceEvent) error {
		switch ev.Kind {
		case vm.TraceCall:
			if f := in.CurrentFrame(); f != nil && f.ID == ev.FrameID {
				f.TraceInstructions = true
			}

		case vm.TraceInstruction:
			if _, ok := frames.get(ev.FrameID); !ok {
				t.mu.Lock()
				ordinal := t.frameNo
				t.frameNo++
				t.mu.Unlock()
				frames.create(ev.FrameID, ordinal)
			}
			t.mu.Lock()
			t.instr++
			instr := t.instr
			t.mu.Unlock()
			t.observe(in, ev, instr)
		}
		return nil
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// VariableRecord returns the latest assignment record for a variable
// within a frame ordinal.
func (t *ProvenanceTracker) VariableRecord(frameOrdinal uint64, name string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byVar[varKey{frame: frameOrdinal, name: name}]
	return rec, ok
}

// History returns the recorded assignments in execution order.
func (t *ProvenanceTracker) History() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, len(t.history))
	copy(out, t.history)
	return out
}

// Origin renders the source tree of a record as indented text, one line
// per record, down to maxDepth levels.
func (t *ProvenanceTracker) Origin(rec *Record, maxDepth int) string {
	var b strings.Builder
	writeOrigin(&b, rec, 0, maxDepth)
	return b.String()
}

func writeOrigin(b *strings.Builder, rec *Record, depth, maxDepth int) {
	if rec == nil || depth > maxDepth {
		return
	}
	b.WriteString(strings.Repeat("  ", depth))
	if rec.Variable != "" {
		fmt.Fprintf(b, "%s %q (frame %d, instr %d)\n",
			rec.Op.Name(), rec.Variable, rec.FrameOrdinal, rec.Instruction)
	} else {
		fmt.Fprintf(b, "%s (frame %d, instr %d)\n",
			rec.Op.Name(), rec.FrameOrdinal, rec.Instruction)
	}
	for _, src := range rec.Sources {
		writeOrigin(b, src, depth+1, maxDepth)
	}
}
