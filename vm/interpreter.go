package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// CallFrame represents an activation of a compiled method.
//
// Every activation gets a process-unique ID, stable for the lifetime of
// the frame and never reused. Host instrumentation keys per-frame state
// on it.
type CallFrame struct {
	Method *CompiledMethod
	IP     int    // instruction pointer into Method.Bytecode
	BP     int    // base pointer: temps live at stack[BP : BP+NumTemps]
	ID     uint64 // process-unique activation ID

	// TraceInstructions requests per-instruction trace events for this
	// frame. The trace function still only fires while one is installed
	// on the owning VM.
	TraceInstructions bool
}

// ---------------------------------------------------------------------------
// Trace events
// ---------------------------------------------------------------------------

// TraceEventKind discriminates trace events.
type TraceEventKind int

const (
	// TraceCall fires once when a frame is activated, before its first
	// instruction executes.
	TraceCall TraceEventKind = iota

	// TraceInstruction fires before each instruction in frames that have
	// TraceInstructions set.
	TraceInstruction
)

// TraceEvent describes a single observation point in the dispatch loop.
type TraceEvent struct {
	Kind    TraceEventKind
	FrameID uint64
	Method  *CompiledMethod
	IP      int    // valid for TraceInstruction
	Opcode  Opcode // valid for TraceInstruction
}

// TraceFunc observes dispatch. Returning a non-nil error aborts the
// current frame; the error propagates to the caller unwrapped.
type TraceFunc func(in *Interpreter, ev TraceEvent) error

// FrameEvalFunc replaces the default frame evaluator on a VM. It is
// invoked for every compiled-method activation; delegating to
// Interpreter.EvalFrameDefault yields stock behavior.
type FrameEvalFunc func(in *Interpreter, frame *CallFrame) (Value, error)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

const (
	maxFrames    = 1024
	initialStack = 256
)

// Interpreter executes bytecode on behalf of one thread of control.
// Interpreters are not safe for concurrent use; each goroutine runs its
// own, all sharing the owning VM's function table and globals.
type Interpreter struct {
	vm *VM
	id uint64 // process-unique, never reused

	stack  []Value
	sp     int // next free slot
	frames []CallFrame
	fp     int // index of current frame, -1 when idle
}

// newInterpreter is called by VM.NewInterpreter, which assigns the ID.
func newInterpreter(vm *VM, id uint64) *Interpreter {
	return &Interpreter{
		vm:     vm,
		id:     id,
		stack:  make([]Value, 0, initialStack),
		frames: make([]CallFrame, 0, 16),
		fp:     -1,
	}
}

// VM returns the owning VM.
func (in *Interpreter) VM() *VM {
	return in.vm
}

// ID returns the interpreter's process-unique identifier.
func (in *Interpreter) ID() uint64 {
	return in.id
}

// Depth returns the current call depth.
func (in *Interpreter) Depth() int {
	return in.fp + 1
}

// CurrentFrame returns the active frame, or nil when idle.
func (in *Interpreter) CurrentFrame() *CallFrame {
	if in.fp < 0 {
		return nil
	}
	return &in.frames[in.fp]
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (in *Interpreter) push(v Value) {
	if in.sp < len(in.stack) {
		in.stack[in.sp] = v
	} else {
		in.stack = append(in.stack, v)
	}
	in.sp++
}

func (in *Interpreter) pop() Value {
	in.sp--
	return in.stack[in.sp]
}

func (in *Interpreter) peek() Value {
	return in.stack[in.sp-1]
}

// popN removes n values and returns them in push order.
func (in *Interpreter) popN(n int) []Value {
	in.sp -= n
	return in.stack[in.sp : in.sp+n]
}

func (in *Interpreter) getTemp(f *CallFrame, index int) Value {
	return in.stack[f.BP+index]
}

func (in *Interpreter) setTemp(f *CallFrame, index int, v Value) {
	in.stack[f.BP+index] = v
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

func (in *Interpreter) pushFrame(m *CompiledMethod, args []Value) (*CallFrame, error) {
	if in.fp+1 >= maxFrames {
		return nil, fmt.Errorf("vm: call depth exceeded (%d frames)", maxFrames)
	}

	bp := in.sp
	for _, a := range args {
		in.push(a)
	}
	for i := len(args); i < m.NumTemps; i++ {
		in.push(Nil)
	}

	in.frames = append(in.frames[:in.fp+1], CallFrame{
		Method: m,
		IP:     0,
		BP:     bp,
		ID:     in.vm.nextFrameID(),
	})
	in.fp++
	return &in.frames[in.fp], nil
}

func (in *Interpreter) popFrame() {
	f := &in.frames[in.fp]
	if fn := in.vm.onFramePopFunc(); fn != nil {
		fn(f.ID)
	}
	in.sp = f.BP
	in.fp--
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// call activates a compiled method, routing through the VM's frame
// evaluator when one is installed.
func (in *Interpreter) call(m *CompiledMethod, args []Value) (Value, error) {
	if len(args) != m.Arity {
		return Nil, fmt.Errorf("vm: %s expects %d arguments, got %d",
			m.Name(), m.Arity, len(args))
	}

	f, err := in.pushFrame(m, args)
	if err != nil {
		return Nil, err
	}
	defer in.popFrame()

	if eval := in.vm.evalFrameFunc(); eval != nil {
		return eval(in, f)
	}
	return in.EvalFrameDefault(f)
}

// Execute runs a compiled method with the given arguments.
func (in *Interpreter) Execute(m *CompiledMethod, args []Value) (Value, error) {
	return in.call(m, args)
}

// CallNamed invokes a function registered on the VM by name.
func (in *Interpreter) CallNamed(name string, args []Value) (Value, error) {
	fn, ok := in.vm.LookupFunctionByName(name)
	if !ok {
		return Nil, fmt.Errorf("vm: undefined function %q", name)
	}
	return fn.Call(in, args)
}

// EvalFrameDefault is the stock frame evaluator: it delivers the frame's
// TraceCall event, then runs the dispatch loop until the frame returns.
// Custom FrameEvalFuncs delegate here after adjusting the frame.
func (in *Interpreter) EvalFrameDefault(f *CallFrame) (Value, error) {
	if tr := in.vm.traceFunc(); tr != nil {
		if err := tr(in, TraceEvent{Kind: TraceCall, FrameID: f.ID, Method: f.Method}); err != nil {
			return Nil, err
		}
	}
	return in.runFrame(f)
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (in *Interpreter) runFrame(f *CallFrame) (Value, error) {
	code := f.Method.Bytecode

	for f.IP < len(code) {
		op := Opcode(code[f.IP])

		if f.TraceInstructions {
			if tr := in.vm.traceFunc(); tr != nil {
				ev := TraceEvent{
					Kind:    TraceInstruction,
					FrameID: f.ID,
					Method:  f.Method,
					IP:      f.IP,
					Opcode:  op,
				}
				if err := tr(in, ev); err != nil {
					return Nil, err
				}
			}
		}

		f.IP++

		switch op {
		case OpNOP:
			// nothing

		case OpPOP:
			in.pop()

		case OpDUP:
			in.push(in.peek())

		case OpPushNil:
			in.push(Nil)

		case OpPushTrue:
			in.push(True)

		case OpPushFalse:
			in.push(False)

		case OpPushInt8:
			v := int8(code[f.IP])
			f.IP++
			in.push(FromSmallInt(int64(v)))

		case OpPushInt32:
			v := int32(uint32(code[f.IP]) | uint32(code[f.IP+1])<<8 |
				uint32(code[f.IP+2])<<16 | uint32(code[f.IP+3])<<24)
			f.IP += 4
			in.push(FromSmallInt(int64(v)))

		case OpPushLiteral:
			idx := in.readUint16(code, f)
			in.push(f.Method.GetLiteral(int(idx)))

		case OpPushFloat:
			var bits uint64
			for i := 0; i < 8; i++ {
				bits |= uint64(code[f.IP+i]) << (8 * i)
			}
			f.IP += 8
			in.push(Value(bits))

		case OpPushTemp:
			idx := code[f.IP]
			f.IP++
			in.push(in.getTemp(f, int(idx)))

		case OpStoreTemp:
			idx := code[f.IP]
			f.IP++
			in.setTemp(f, int(idx), in.pop())

		case OpPushGlobal:
			idx := in.readUint16(code, f)
			name := f.Method.GetLiteral(int(idx))
			v, ok := in.vm.GetGlobal(name.SymbolID())
			if !ok {
				return Nil, fmt.Errorf("vm: undefined global %q",
					in.vm.SymbolName(name.SymbolID()))
			}
			in.push(v)

		case OpStoreGlobal:
			idx := in.readUint16(code, f)
			name := f.Method.GetLiteral(int(idx))
			in.vm.SetGlobal(name.SymbolID(), in.peek())

		case OpCall:
			nameID := in.readUint16(code, f)
			argc := int(code[f.IP])
			f.IP++

			callee, ok := in.vm.LookupFunction(uint32(nameID))
			if !ok {
				return Nil, fmt.Errorf("vm: undefined function %q",
					in.vm.SymbolName(uint32(nameID)))
			}
			args := in.popN(argc)
			result, err := callee.Call(in, args)
			if err != nil {
				return Nil, err
			}
			in.push(result)

		case OpAdd, OpSub, OpMul, OpDiv, OpMod,
			OpLess, OpGreater, OpLessEq, OpGreaterEq:
			b := in.pop()
			a := in.pop()
			result, err := binaryNumeric(op, a, b)
			if err != nil {
				return Nil, err
			}
			in.push(result)

		case OpEqual:
			b := in.pop()
			a := in.pop()
			in.push(FromBool(valuesEqual(a, b)))

		case OpNotEqual:
			b := in.pop()
			a := in.pop()
			in.push(FromBool(!valuesEqual(a, b)))

		case OpJump:
			offset := in.readInt16(code, f)
			f.IP += int(offset)

		case OpJumpTrue:
			offset := in.readInt16(code, f)
			if in.pop().IsTruthy() {
				f.IP += int(offset)
			}

		case OpJumpFalse:
			offset := in.readInt16(code, f)
			if in.pop().IsFalsy() {
				f.IP += int(offset)
			}

		case OpReturnTop:
			return in.pop(), nil

		case OpReturnNil:
			return Nil, nil

		default:
			return Nil, fmt.Errorf("vm: unknown opcode 0x%02X at %d in %s",
				byte(op), f.IP-1, f.Method.Name())
		}
	}

	// Fell off the end of the bytecode
	return Nil, nil
}

func (in *Interpreter) readUint16(code []byte, f *CallFrame) uint16 {
	v := uint16(code[f.IP]) | uint16(code[f.IP+1])<<8
	f.IP += 2
	return v
}

func (in *Interpreter) readInt16(code []byte, f *CallFrame) int16 {
	return int16(in.readUint16(code, f))
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func numericOperands(a, b Value) (float64, float64, bool, bool) {
	// bothInt reports whether integer arithmetic applies
	if a.IsSmallInt() && b.IsSmallInt() {
		return 0, 0, true, true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return af, bf, false, aok && bok
}

func asFloat(v Value) (float64, bool) {
	switch {
	case v.IsSmallInt():
		return float64(v.SmallInt()), true
	case v.IsFloat():
		return v.Float64(), true
	}
	return 0, false
}

func binaryNumeric(op Opcode, a, b Value) (Value, error) {
	_, _, bothInt, ok := numericOperands(a, b)
	if !ok {
		return Nil, fmt.Errorf("vm: %s requires numeric operands, got %s and %s",
			op.Name(), a.DebugString(), b.DebugString())
	}

	if bothInt {
		x, y := a.SmallInt(), b.SmallInt()
		switch op {
		case OpAdd:
			if v, fits := TryFromSmallInt(x + y); fits {
				return v, nil
			}
			return FromFloat64(float64(x) + float64(y)), nil
		case OpSub:
			if v, fits := TryFromSmallInt(x - y); fits {
				return v, nil
			}
			return FromFloat64(float64(x) - float64(y)), nil
		case OpMul:
			if v, fits := TryFromSmallInt(x * y); fits {
				return v, nil
			}
			return FromFloat64(float64(x) * float64(y)), nil
		case OpDiv:
			if y == 0 {
				return Nil, fmt.Errorf("vm: division by zero")
			}
			if x%y == 0 {
				return FromSmallInt(x / y), nil
			}
			return FromFloat64(float64(x) / float64(y)), nil
		case OpMod:
			if y == 0 {
				return Nil, fmt.Errorf("vm: division by zero")
			}
			return FromSmallInt(x % y), nil
		case OpLess:
			return FromBool(x < y), nil
		case OpGreater:
			return FromBool(x > y), nil
		case OpLessEq:
			return FromBool(x <= y), nil
		case OpGreaterEq:
			return FromBool(x >= y), nil
		}
	}

	x, _ := asFloat(a)
	y, _ := asFloat(b)
	switch op {
	case OpAdd:
		return FromFloat64(x + y), nil
	case OpSub:
		return FromFloat64(x - y), nil
	case OpMul:
		return FromFloat64(x * y), nil
	case OpDiv:
		if y == 0 {
			return Nil, fmt.Errorf("vm: division by zero")
		}
		return FromFloat64(x / y), nil
	case OpMod:
		return Nil, fmt.Errorf("vm: MOD requires integer operands")
	case OpLess:
		return FromBool(x < y), nil
	case OpGreater:
		return FromBool(x > y), nil
	case OpLessEq:
		return FromBool(x <= y), nil
	case OpGreaterEq:
		return FromBool(x >= y), nil
	}
	return Nil, fmt.Errorf("vm: %s is not a binary numeric opcode", op.Name())
}

func valuesEqual(a, b Value) bool {
	if a == b {
		return true
	}
	// Mixed int/float compare numerically
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}
