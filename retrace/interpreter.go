package retrace

import (
	"github.com/retracesoftware/retrace/vm"
)

// ThreadFunc computes a thread-context identity for a newly observed
// thread. It runs under the caller's execution context when the run is
// isolated.
type ThreadFunc func() (any, error)

// Callback is invoked with the current thread's counters whenever the
// instruction counter reaches the armed threshold. Its return value
// becomes the next threshold; returning 0 disables further callbacks.
// A non-nil error aborts dispatch and propagates to Run's caller
// unwrapped.
type Callback func(*ThreadState) (uint64, error)

// stateKey is the VM state-store slot holding the installed Context.
const stateKey = "retrace.context"

// ---------------------------------------------------------------------------
// Context: per-runtime-instance instrumentation state
// ---------------------------------------------------------------------------

// Context carries the user callables for one instrumented run, plus the
// caller's execution context when the run is isolated. At most one
// Context is installed per VM at a time; installing overwrites.
type Context struct {
	// caller is non-nil for isolated runs: user callables close over
	// state owned by the caller's context, so invocation swaps over to
	// it and back.
	caller *vm.Interpreter

	callback Callback
	thread   ThreadFunc
	tracker  *ProvenanceTracker

	// armed records that this VM's trace function has been installed
	// for this run. Scoped to the Context, not process-wide, so
	// concurrently active isolated instances stay independent.
	armed bool
}

// install stores c as v's instrumentation context, overwriting any
// previous one. Fails with ErrNoStateStore on a VM without a state
// store (a zero-value VM never bootstrapped with NewVM).
func install(v *vm.VM, c *Context) error {
	store := v.State()
	if store == nil {
		return ErrNoStateStore
	}
	store.Set(stateKey, c)
	return nil
}

// contextFor looks up the installed context. Absence means "no
// instrumentation active" and callers fall back to uninstrumented
// execution.
func contextFor(v *vm.VM) (*Context, bool) {
	store := v.State()
	if store == nil {
		return nil, false
	}
	if c, ok := store.Get(stateKey); ok {
		return c.(*Context), true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Cross-context re-entry
// ---------------------------------------------------------------------------

// invokeThreadIdentity calls the user's thread-identity function under
// the re-entry protocol.
func (c *Context) invokeThreadIdentity() (any, error) {
	if c.caller == nil {
		return c.thread()
	}
	prev := vm.SwapContext(c.caller)
	defer vm.SwapContext(prev)
	return c.thread()
}

// invokeCallback calls the user callback under the re-entry protocol:
// when the run is isolated, the current execution context is swapped
// for the caller's, the callback runs, and the original context is
// swapped back on every path before the result or error is returned.
// The error crosses the swap-back untouched, so the failure the caller
// sees is exactly the one the callback raised.
func (c *Context) invokeCallback(st *ThreadState) (uint64, error) {
	if c.caller == nil {
		return c.callback(st)
	}
	prev := vm.SwapContext(c.caller)
	defer vm.SwapContext(prev)
	return c.callback(st)
}
