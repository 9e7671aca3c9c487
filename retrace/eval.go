package retrace

import (
	"github.com/retracesoftware/retrace/vm"
)

// ---------------------------------------------------------------------------
// Frame evaluation hook
// ---------------------------------------------------------------------------

// evalFrame replaces the VM's default frame evaluator for the duration
// of an instrumented run. Per frame activation:
//
//  1. No installed Context means no instrumentation: delegate straight
//     to the default dispatch loop.
//  2. Get or create the thread's counters.
//  3. Get or create the frame's record, assigning its ordinal from the
//     thread's frame counter.
//  4. Arm the VM trace function once per run when a callback threshold
//     is set.
//  5. Mark the frame for per-instruction observation when a threshold
//     is set.
//  6. Delegate to the default dispatch loop, returning its result
//     unchanged.
//
// With callbackCounter == 0 throughout, frames still receive ordinals
// but no per-instruction cost is paid beyond the context lookup.
func evalFrame(in *vm.Interpreter, f *vm.CallFrame) (vm.Value, error) {
	ctx, ok := contextFor(in.VM())
	if !ok {
		return in.EvalFrameDefault(f)
	}

	st, err := threadStateFor(in, ctx)
	if err != nil {
		return vm.Nil, err
	}

	if _, ok := frames.get(f.ID); !ok {
		frames.create(f.ID, st.nextFrameOrdinal())
	}

	if st.callbackCounter > 0 || ctx.tracker != nil {
		if !ctx.armed {
			in.VM().SetTraceFunc(ctx.trace)
			ctx.armed = true
		}
		f.TraceInstructions = true
	}

	return in.EvalFrameDefault(f)
}

// ---------------------------------------------------------------------------
// Trace callback
// ---------------------------------------------------------------------------

// trace is installed as the VM trace function once a run arms
// instruction observation.
//
// Call events mark the newly entered frame for instruction observation;
// this covers frames entered without passing through evalFrame, such as
// nested evaluator re-entrancy.
//
// Instruction events increment the thread's counter and, once the
// counter reaches the armed threshold, invoke the user callback with
// the counters record. The callback's return value becomes the next
// threshold (0 disables); a callback error aborts dispatch and
// propagates unwrapped.
func (c *Context) trace(in *vm.Interpreter, ev vm.TraceEvent) error {
	switch ev.Kind {
	case vm.TraceCall:
		if f := in.CurrentFrame(); f != nil && f.ID == ev.FrameID {
			f.TraceInstructions = true
		}
		return nil

	case vm.TraceInstruction:
		st, err := threadStateFor(in, c)
		if err != nil {
			return err
		}
		st.counter++

		if c.tracker != nil {
			c.tracker.observe(in, ev, st.counter)
		}

		if st.callbackCounter > 0 && st.counter >= st.callbackCounter {
			next, err := c.invokeCallback(st)
			if err != nil {
				return err
			}
			st.callbackCounter = next
		}
	}
	return nil
}
