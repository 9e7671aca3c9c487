package vm

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// VM: Virtual Machine instance
// ---------------------------------------------------------------------------

// VM is an isolated execution environment: a symbol table, global
// bindings, a function table, and the instrumentation hooks. VMs share
// nothing; two VMs never observe each other's state.
//
// Construct with NewVM. The zero value has no state store and cannot
// host instrumentation.
type VM struct {
	Symbols *SymbolTable

	mu        sync.RWMutex
	globals   map[uint32]Value    // symbol ID -> value
	functions map[uint32]Callable // name symbol ID -> callable

	state *StateStore

	hookMu     sync.RWMutex
	evalFrame  FrameEvalFunc
	trace      TraceFunc
	onFramePop func(frameID uint64)

	closed atomic.Bool
}

// Process-unique ID allocators, shared across VMs so that frame and
// interpreter IDs are never reused even between instances.
var (
	frameIDCounter  atomic.Uint64
	interpIDCounter atomic.Uint64
)

// NewVM creates a new, fully isolated VM instance.
func NewVM() *VM {
	return &VM{
		Symbols:   NewSymbolTable(),
		globals:   make(map[uint32]Value),
		functions: make(map[uint32]Callable),
		state:     newStateStore(),
	}
}

// Close tears down the VM. Registered functions, globals, and the state
// store are dropped. Close is idempotent; interpreters must not be used
// afterwards.
func (vm *VM) Close() {
	if !vm.closed.CompareAndSwap(false, true) {
		return
	}

	vm.hookMu.Lock()
	vm.evalFrame = nil
	vm.trace = nil
	vm.onFramePop = nil
	vm.hookMu.Unlock()

	vm.mu.Lock()
	vm.globals = nil
	vm.functions = nil
	vm.mu.Unlock()

	if vm.state != nil {
		vm.state.clear()
	}
}

// Closed reports whether Close has been called.
func (vm *VM) Closed() bool {
	return vm.closed.Load()
}

// NewInterpreter creates a thread context bound to this VM. Each
// goroutine executing on the VM runs its own interpreter.
func (vm *VM) NewInterpreter() *Interpreter {
	return newInterpreter(vm, interpIDCounter.Add(1))
}

func (vm *VM) nextFrameID() uint64 {
	return frameIDCounter.Add(1)
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// SetEvalFrameFunc installs a frame evaluator, returning the previous
// one. Passing nil restores the default evaluator.
func (vm *VM) SetEvalFrameFunc(f FrameEvalFunc) FrameEvalFunc {
	vm.hookMu.Lock()
	prev := vm.evalFrame
	vm.evalFrame = f
	vm.hookMu.Unlock()
	return prev
}

// EvalFrameFunc returns the installed frame evaluator, or nil when the
// default is in effect.
func (vm *VM) EvalFrameFunc() FrameEvalFunc {
	return vm.evalFrameFunc()
}

func (vm *VM) evalFrameFunc() FrameEvalFunc {
	vm.hookMu.RLock()
	f := vm.evalFrame
	vm.hookMu.RUnlock()
	return f
}

// SetTraceFunc installs the trace function, returning the previous one.
// Passing nil disarms tracing on this VM.
func (vm *VM) SetTraceFunc(f TraceFunc) TraceFunc {
	vm.hookMu.Lock()
	prev := vm.trace
	vm.trace = f
	vm.hookMu.Unlock()
	return prev
}

// TraceFunc returns the installed trace function, or nil when tracing
// is disarmed.
func (vm *VM) TraceFunc() TraceFunc {
	return vm.traceFunc()
}

func (vm *VM) traceFunc() TraceFunc {
	vm.hookMu.RLock()
	f := vm.trace
	vm.hookMu.RUnlock()
	return f
}

// SetOnFramePop installs a hook fired with each frame's ID as the frame
// is deallocated. Used to evict per-frame instrumentation state.
func (vm *VM) SetOnFramePop(f func(frameID uint64)) {
	vm.hookMu.Lock()
	vm.onFramePop = f
	vm.hookMu.Unlock()
}

func (vm *VM) onFramePopFunc() func(uint64) {
	vm.hookMu.RLock()
	f := vm.onFramePop
	vm.hookMu.RUnlock()
	return f
}

// ---------------------------------------------------------------------------
// Functions and globals
// ---------------------------------------------------------------------------

// DefineFunction registers a compiled method under its own name.
func (vm *VM) DefineFunction(m *CompiledMethod) uint32 {
	id := vm.Symbols.Intern(m.Name())
	vm.mu.Lock()
	vm.functions[id] = m
	vm.mu.Unlock()
	return id
}

// DefineGoFunction registers a host Go function under the given name.
func (vm *VM) DefineGoFunction(name string, fn GoFunc) uint32 {
	id := vm.Symbols.Intern(name)
	vm.mu.Lock()
	vm.functions[id] = fn
	vm.mu.Unlock()
	return id
}

// LookupFunction resolves a callable by name symbol ID.
func (vm *VM) LookupFunction(nameID uint32) (Callable, bool) {
	vm.mu.RLock()
	fn, ok := vm.functions[nameID]
	vm.mu.RUnlock()
	return fn, ok
}

// LookupFunctionByName resolves a callable by name.
func (vm *VM) LookupFunctionByName(name string) (Callable, bool) {
	id, ok := vm.Symbols.Lookup(name)
	if !ok {
		return nil, false
	}
	return vm.LookupFunction(id)
}

// GetGlobal returns the global bound to a name symbol ID.
func (vm *VM) GetGlobal(nameID uint32) (Value, bool) {
	vm.mu.RLock()
	v, ok := vm.globals[nameID]
	vm.mu.RUnlock()
	return v, ok
}

// SetGlobal binds a global.
func (vm *VM) SetGlobal(nameID uint32, v Value) {
	vm.mu.Lock()
	vm.globals[nameID] = v
	vm.mu.Unlock()
}

// Intern interns a symbol name on this VM's symbol table.
func (vm *VM) Intern(name string) uint32 {
	return vm.Symbols.Intern(name)
}

// SymbolName resolves a symbol ID to its name.
func (vm *VM) SymbolName(id uint32) string {
	return vm.Symbols.Name(id)
}

// ValueString renders a value, resolving symbols against this VM.
func (vm *VM) ValueString(v Value) string {
	if v.IsSymbol() {
		if name := vm.Symbols.Name(v.SymbolID()); name != "" {
			return "#" + name
		}
	}
	return v.DebugString()
}

// ---------------------------------------------------------------------------
// State store
// ---------------------------------------------------------------------------

// StateStore is a per-VM extension dictionary. Host packages stash
// instrumentation state here, keyed by package-qualified strings.
type StateStore struct {
	mu      sync.RWMutex
	entries map[string]any
}

func newStateStore() *StateStore {
	return &StateStore{entries: make(map[string]any)}
}

// Get returns the entry for key.
func (s *StateStore) Get(key string) (any, bool) {
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores an entry.
func (s *StateStore) Set(key string, v any) {
	s.mu.Lock()
	s.entries[key] = v
	s.mu.Unlock()
}

// Delete removes an entry.
func (s *StateStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *StateStore) clear() {
	s.mu.Lock()
	s.entries = make(map[string]any)
	s.mu.Unlock()
}

// State returns the VM's extension store, or nil for a zero-value VM.
func (vm *VM) State() *StateStore {
	return vm.state
}

// ---------------------------------------------------------------------------
// Goroutine context registry
// ---------------------------------------------------------------------------

// Each goroutine has at most one current thread context. The registry
// is process-wide; interpreters from different VMs may be current on
// different goroutines simultaneously.
var contexts sync.Map // goroutine ID -> *Interpreter

// getGoroutineID extracts the current goroutine's ID from the runtime
// stack header ("goroutine N [running]: ...").
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := buf[:n]

	// Skip "goroutine " prefix
	stack = bytes.TrimPrefix(stack, []byte("goroutine "))
	idx := bytes.IndexByte(stack, ' ')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(stack[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// CurrentContext returns the calling goroutine's current thread
// context, or nil if none is installed.
func CurrentContext() *Interpreter {
	if v, ok := contexts.Load(getGoroutineID()); ok {
		return v.(*Interpreter)
	}
	return nil
}

// SwapContext installs in as the calling goroutine's current thread
// context and returns the previous one. Passing nil clears the slot.
func SwapContext(in *Interpreter) *Interpreter {
	gid := getGoroutineID()

	var prev *Interpreter
	if v, ok := contexts.Load(gid); ok {
		prev = v.(*Interpreter)
	}
	if in == nil {
		contexts.Delete(gid)
	} else {
		contexts.Store(gid, in)
	}
	return prev
}
