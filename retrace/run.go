package retrace

import (
	"errors"
	"fmt"

	"github.com/retracesoftware/retrace/vm"
)

// ErrNoStateStore reports that the runtime instance carries no
// per-instance extensible state store, so instrumentation cannot be
// installed. This is a configuration error: it is surfaced before any
// installation happens.
var ErrNoStateStore = errors.New("retrace: runtime instance has no state store")

// KeywordCallable is implemented by targets that accept keyword
// arguments in addition to positional ones.
type KeywordCallable interface {
	vm.Callable
	CallKw(in *vm.Interpreter, args []vm.Value, kwargs map[string]vm.Value) (vm.Value, error)
}

// RunConfig configures one instrumented run.
type RunConfig struct {
	Target vm.Callable         // required
	Args   []vm.Value          // positional arguments, may be empty
	Kwargs map[string]vm.Value // keyword arguments, may be empty

	// MainThread seeds the thread identity of the run's own thread
	// context. Threads observed later get theirs from Thread.
	MainThread any

	Thread   ThreadFunc // required
	Callback Callback   // required

	// Ambient selects in-place execution on the caller's current VM.
	// The default is an isolated instance, created for the run and torn
	// down afterwards.
	Ambient bool

	// CallbackAt is the initial callback threshold: the callback first
	// fires when the instruction counter reaches it. 0 disables
	// callbacks for the run.
	CallbackAt uint64

	// Tracker, when set, observes every traced instruction and records
	// value provenance.
	Tracker *ProvenanceTracker
}

// Run executes cfg.Target under instrumentation and returns its result.
// Errors from the target or the callback propagate exactly as raised;
// teardown (override restore, instance release, context restore) runs
// on every exit path first.
func Run(cfg RunConfig) (vm.Value, error) {
	if cfg.Target == nil {
		return vm.Nil, errors.New("retrace: Target is required")
	}
	if cfg.Thread == nil {
		return vm.Nil, errors.New("retrace: Thread is required")
	}
	if cfg.Callback == nil {
		return vm.Nil, errors.New("retrace: Callback is required")
	}

	var kw KeywordCallable
	if len(cfg.Kwargs) > 0 {
		var ok bool
		if kw, ok = cfg.Target.(KeywordCallable); !ok {
			return vm.Nil, fmt.Errorf("retrace: target %T does not accept keyword arguments", cfg.Target)
		}
	}

	if cfg.Ambient {
		return runAmbient(cfg, kw)
	}
	return runIsolated(cfg, kw)
}

// runIsolated executes the target on a fresh VM instance. The caller's
// execution context, dispatch override, and trace function are restored
// on every exit path; the instance is closed before control returns.
func runIsolated(cfg RunConfig, kw KeywordCallable) (vm.Value, error) {
	caller := vm.CurrentContext()

	machine := vm.NewVM()
	in := machine.NewInterpreter()

	// Teardown order (LIFO): restore the dispatch override, close the
	// instance, restore the caller's context as current.
	prevCtx := vm.SwapContext(in)
	defer vm.SwapContext(prevCtx)
	defer machine.Close()

	if err := install(machine, &Context{
		caller:   caller,
		callback: cfg.Callback,
		thread:   cfg.Thread,
		tracker:  cfg.Tracker,
	}); err != nil {
		return vm.Nil, err
	}

	st := threads.create(in.ID(), cfg.MainThread)
	if cfg.CallbackAt > 0 {
		st.callbackCounter = cfg.CallbackAt
	}

	machine.SetOnFramePop(frames.evict)
	prevEval := machine.SetEvalFrameFunc(evalFrame)
	defer machine.SetEvalFrameFunc(prevEval)

	return invoke(cfg, kw, in)
}

// runAmbient executes the target in place on the caller's current VM.
// No instance is created or torn down and no context swap happens on
// callback invocation. The installed Context shadows any previous one
// and remains installed afterwards; the dispatch override and trace
// function are restored.
func runAmbient(cfg RunConfig, kw KeywordCallable) (vm.Value, error) {
	in := vm.CurrentContext()
	if in == nil {
		return vm.Nil, errors.New("retrace: no current execution context for ambient run")
	}
	machine := in.VM()

	if err := install(machine, &Context{
		callback: cfg.Callback,
		thread:   cfg.Thread,
		tracker:  cfg.Tracker,
	}); err != nil {
		return vm.Nil, err
	}

	st := threads.create(in.ID(), cfg.MainThread)
	if cfg.CallbackAt > 0 {
		st.callbackCounter = cfg.CallbackAt
	}

	machine.SetOnFramePop(frames.evict)
	prevTrace := machine.TraceFunc()
	defer machine.SetTraceFunc(prevTrace)
	prevEval := machine.SetEvalFrameFunc(evalFrame)
	defer machine.SetEvalFrameFunc(prevEval)

	return invoke(cfg, kw, in)
}

func invoke(cfg RunConfig, kw KeywordCallable, in *vm.Interpreter) (vm.Value, error) {
	if kw != nil {
		return kw.CallKw(in, cfg.Args, cfg.Kwargs)
	}
	return cfg.Target.Call(in, cfg.Args)
}
