package vm

import (
	"errors"
	"testing"
)

// buildConst returns a method that pushes n and returns it.
func buildConst(name string, n int8) *CompiledMethod {
	b := NewCompiledMethodBuilder(name, 0)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, n)
	bc.Emit(OpReturnTop)
	return b.Build()
}

// buildSumLoop returns a 1-arg method computing 1 + 2 + ... + n.
func buildSumLoop(name string) *CompiledMethod {
	b := NewCompiledMethodBuilder(name, 1)
	b.NameTemp(0, "n")
	i := b.AddLocal()
	b.NameTemp(i, "i")
	total := b.AddLocal()
	b.NameTemp(total, "total")

	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 1)
	bc.EmitByte(OpStoreTemp, byte(i))
	bc.EmitInt8(OpPushInt8, 0)
	bc.EmitByte(OpStoreTemp, byte(total))

	top := bc.NewLabel()
	bc.Mark(top)
	end := bc.NewLabel()
	bc.EmitByte(OpPushTemp, byte(i))
	bc.EmitByte(OpPushTemp, 0)
	bc.Emit(OpGreater)
	bc.EmitJump(OpJumpTrue, end)

	bc.EmitByte(OpPushTemp, byte(total))
	bc.EmitByte(OpPushTemp, byte(i))
	bc.Emit(OpAdd)
	bc.EmitByte(OpStoreTemp, byte(total))

	bc.EmitByte(OpPushTemp, byte(i))
	bc.EmitInt8(OpPushInt8, 1)
	bc.Emit(OpAdd)
	bc.EmitByte(OpStoreTemp, byte(i))
	bc.EmitJump(OpJump, top)

	bc.Mark(end)
	bc.EmitByte(OpPushTemp, byte(total))
	bc.Emit(OpReturnTop)
	return b.Build()
}

func TestExecuteConst(t *testing.T) {
	v := NewVM()
	in := v.NewInterpreter()

	result, err := in.Execute(buildConst("seven", 7), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.IsSmallInt() || result.SmallInt() != 7 {
		t.Errorf("result = %s, want 7", result.DebugString())
	}
}

func TestExecuteSumLoop(t *testing.T) {
	v := NewVM()
	in := v.NewInterpreter()

	result, err := in.Execute(buildSumLoop("sum"), []Value{FromSmallInt(10)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.SmallInt() != 55 {
		t.Errorf("sum(10) = %s, want 55", result.DebugString())
	}
}

func TestArityMismatch(t *testing.T) {
	v := NewVM()
	in := v.NewInterpreter()

	if _, err := in.Execute(buildSumLoop("sum"), nil); err == nil {
		t.Error("expected arity error")
	}
}

func TestDivisionByZero(t *testing.T) {
	b := NewCompiledMethodBuilder("divz", 0)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 1)
	bc.EmitInt8(OpPushInt8, 0)
	bc.Emit(OpDiv)
	bc.Emit(OpReturnTop)

	v := NewVM()
	in := v.NewInterpreter()
	if _, err := in.Execute(b.Build(), nil); err == nil {
		t.Error("expected division-by-zero error")
	}
}

func TestMixedArithmetic(t *testing.T) {
	b := NewCompiledMethodBuilder("mixed", 0)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 3)
	bc.EmitFloat64(OpPushFloat, 0.5)
	bc.Emit(OpAdd)
	bc.Emit(OpReturnTop)

	v := NewVM()
	in := v.NewInterpreter()
	result, err := in.Execute(b.Build(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.IsFloat() || result.Float64() != 3.5 {
		t.Errorf("3 + 0.5 = %s, want 3.5", result.DebugString())
	}
}

func TestCallCompiledFunction(t *testing.T) {
	v := NewVM()
	sum := buildSumLoop("sum")
	nameID := v.DefineFunction(sum)
	if nameID > 0xFFFF {
		t.Fatalf("symbol ID %d too wide for CALL operand", nameID)
	}

	b := NewCompiledMethodBuilder("caller", 0)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 4)
	bc.EmitCall(uint16(nameID), 1)
	bc.Emit(OpReturnTop)

	in := v.NewInterpreter()
	result, err := in.Execute(b.Build(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.SmallInt() != 10 {
		t.Errorf("caller() = %s, want 10", result.DebugString())
	}
}

func TestCallGoFunction(t *testing.T) {
	v := NewVM()
	nameID := v.DefineGoFunction("double", func(in *Interpreter, args []Value) (Value, error) {
		return FromSmallInt(args[0].SmallInt() * 2), nil
	})

	b := NewCompiledMethodBuilder("caller", 0)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 21)
	bc.EmitCall(uint16(nameID), 1)
	bc.Emit(OpReturnTop)

	in := v.NewInterpreter()
	result, err := in.Execute(b.Build(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.SmallInt() != 42 {
		t.Errorf("double(21) = %s, want 42", result.DebugString())
	}
}

func TestUndefinedFunction(t *testing.T) {
	v := NewVM()
	b := NewCompiledMethodBuilder("caller", 0)
	bc := b.Bytecode()
	bc.EmitCall(999, 0)
	bc.Emit(OpReturnTop)

	in := v.NewInterpreter()
	if _, err := in.Execute(b.Build(), nil); err == nil {
		t.Error("expected undefined-function error")
	}
}

func TestGlobals(t *testing.T) {
	v := NewVM()
	nameSym := v.Symbols.SymbolValue("answer")

	b := NewCompiledMethodBuilder("globals", 0)
	lit := b.AddLiteral(nameSym)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 42)
	bc.EmitUint16(OpStoreGlobal, uint16(lit))
	bc.Emit(OpPOP)
	bc.EmitUint16(OpPushGlobal, uint16(lit))
	bc.Emit(OpReturnTop)

	in := v.NewInterpreter()
	result, err := in.Execute(b.Build(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.SmallInt() != 42 {
		t.Errorf("global readback = %s, want 42", result.DebugString())
	}
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

func TestTraceCallEvent(t *testing.T) {
	v := NewVM()
	var calls []uint64
	v.SetTraceFunc(func(in *Interpreter, ev TraceEvent) error {
		if ev.Kind == TraceCall {
			calls = append(calls, ev.FrameID)
		}
		return nil
	})

	in := v.NewInterpreter()
	if _, err := in.Execute(buildConst("one", 1), nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("TraceCall fired %d times, want 1", len(calls))
	}
	if calls[0] == 0 {
		t.Error("frame ID should be nonzero")
	}
}

func TestTraceInstructionEvents(t *testing.T) {
	v := NewVM()
	var ops []Opcode
	v.SetTraceFunc(func(in *Interpreter, ev TraceEvent) error {
		if ev.Kind == TraceInstruction {
			ops = append(ops, ev.Opcode)
		}
		return nil
	})
	v.SetEvalFrameFunc(func(in *Interpreter, f *CallFrame) (Value, error) {
		f.TraceInstructions = true
		return in.EvalFrameDefault(f)
	})

	in := v.NewInterpreter()
	if _, err := in.Execute(buildConst("one", 1), nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// PUSH_INT8 + RETURN_TOP
	if len(ops) != 2 {
		t.Fatalf("TraceInstruction fired %d times, want 2", len(ops))
	}
	if ops[0] != OpPushInt8 || ops[1] != OpReturnTop {
		t.Errorf("traced opcodes = %v", ops)
	}
}

func TestTraceErrorAbortsDispatch(t *testing.T) {
	boom := errors.New("boom")
	v := NewVM()
	v.SetTraceFunc(func(in *Interpreter, ev TraceEvent) error {
		return boom
	})

	in := v.NewInterpreter()
	_, err := in.Execute(buildConst("one", 1), nil)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want the trace error unwrapped", err)
	}
}

func TestEvalFrameOverrideRestore(t *testing.T) {
	v := NewVM()
	override := func(in *Interpreter, f *CallFrame) (Value, error) {
		return in.EvalFrameDefault(f)
	}
	if prev := v.SetEvalFrameFunc(override); prev != nil {
		t.Error("initial override should be nil")
	}
	if v.EvalFrameFunc() == nil {
		t.Error("override not installed")
	}
	if prev := v.SetEvalFrameFunc(nil); prev == nil {
		t.Error("previous override lost")
	}
	if v.EvalFrameFunc() != nil {
		t.Error("override not removed")
	}
}

func TestOnFramePop(t *testing.T) {
	v := NewVM()
	var popped []uint64
	v.SetOnFramePop(func(id uint64) {
		popped = append(popped, id)
	})

	sum := buildSumLoop("sum")
	nameID := v.DefineFunction(sum)

	b := NewCompiledMethodBuilder("caller", 0)
	bc := b.Bytecode()
	bc.EmitInt8(OpPushInt8, 3)
	bc.EmitCall(uint16(nameID), 1)
	bc.Emit(OpReturnTop)

	in := v.NewInterpreter()
	if _, err := in.Execute(b.Build(), nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// Inner frame pops first, then the outer
	if len(popped) != 2 {
		t.Fatalf("OnFramePop fired %d times, want 2", len(popped))
	}
	if popped[0] == popped[1] {
		t.Error("frame IDs should be unique")
	}
}

func TestFrameIDsUnique(t *testing.T) {
	v := NewVM()
	seen := map[uint64]bool{}
	v.SetTraceFunc(func(in *Interpreter, ev TraceEvent) error {
		if ev.Kind == TraceCall {
			if seen[ev.FrameID] {
				t.Errorf("frame ID %d reused", ev.FrameID)
			}
			seen[ev.FrameID] = true
		}
		return nil
	})

	in := v.NewInterpreter()
	m := buildConst("one", 1)
	for i := 0; i < 5; i++ {
		if _, err := in.Execute(m, nil); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	if len(seen) != 5 {
		t.Errorf("saw %d distinct frame IDs, want 5", len(seen))
	}
}

// ---------------------------------------------------------------------------
// Goroutine context registry
// ---------------------------------------------------------------------------

func TestSwapContext(t *testing.T) {
	v := NewVM()
	a := v.NewInterpreter()
	b := v.NewInterpreter()

	defer SwapContext(nil)

	if prev := SwapContext(a); prev != nil {
		SwapContext(prev) // leave prior state alone if another test leaked
		t.Skip("goroutine already has a context")
	}
	if CurrentContext() != a {
		t.Error("CurrentContext should be a")
	}
	if prev := SwapContext(b); prev != a {
		t.Error("SwapContext should return the previous context")
	}
	if CurrentContext() != b {
		t.Error("CurrentContext should be b")
	}
	if prev := SwapContext(nil); prev != b {
		t.Error("clearing should return b")
	}
	if CurrentContext() != nil {
		t.Error("context should be cleared")
	}
}

func TestContextPerGoroutine(t *testing.T) {
	v := NewVM()
	a := v.NewInterpreter()

	SwapContext(a)
	defer SwapContext(nil)

	done := make(chan *Interpreter)
	go func() {
		done <- CurrentContext()
	}()
	if other := <-done; other != nil {
		t.Error("fresh goroutine should have no context")
	}
	if CurrentContext() != a {
		t.Error("our goroutine's context should be unaffected")
	}
}

func TestVMIsolation(t *testing.T) {
	v1 := NewVM()
	v2 := NewVM()

	v1.SetGlobal(v1.Intern("x"), FromSmallInt(1))
	if _, ok := v2.GetGlobal(v2.Intern("x")); ok {
		t.Error("VMs should not share globals")
	}

	v1.DefineGoFunction("f", func(in *Interpreter, args []Value) (Value, error) {
		return Nil, nil
	})
	if _, ok := v2.LookupFunctionByName("f"); ok {
		t.Error("VMs should not share functions")
	}
}

func TestCloseIdempotent(t *testing.T) {
	v := NewVM()
	v.Close()
	v.Close()
	if !v.Closed() {
		t.Error("VM should report closed")
	}
}
