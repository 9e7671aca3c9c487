package vm

// ---------------------------------------------------------------------------
// CompiledMethod: Bytecode-based function implementation
// ---------------------------------------------------------------------------

// CompiledMethod represents a compiled function.
// It stores bytecode, literals, and metadata needed for execution.
type CompiledMethod struct {
	// Identity
	name string // function name (for dispatch and debugging)

	// Signature
	Arity    int // number of arguments
	NumTemps int // total temporaries (arguments + locals)

	// Compiled code
	Literals []Value // constant pool (numbers, symbols)
	Bytecode []byte  // the bytecode instructions

	// Debugging support
	Source    string   // original source text, if any
	TempNames []string // temp index -> variable name (may be shorter than NumTemps)
}

// Name returns the function name.
func (m *CompiledMethod) Name() string {
	return m.name
}

// TempName returns the debug name for a temp index, or "" if unknown.
func (m *CompiledMethod) TempName(index int) string {
	if index < 0 || index >= len(m.TempNames) {
		return ""
	}
	return m.TempNames[index]
}

// GetLiteral returns the literal at the given index.
// Panics if index is out of range.
func (m *CompiledMethod) GetLiteral(index int) Value {
	if index < 0 || index >= len(m.Literals) {
		panic("CompiledMethod.GetLiteral: index out of range")
	}
	return m.Literals[index]
}

// LiteralCount returns the number of literals.
func (m *CompiledMethod) LiteralCount() int {
	return len(m.Literals)
}

// Disassemble returns a disassembly of the method's bytecode.
func (m *CompiledMethod) Disassemble() string {
	return Disassemble(m.Bytecode)
}

// String returns a string representation of the method.
func (m *CompiledMethod) String() string {
	return m.name + "/" + itoa(m.Arity)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ---------------------------------------------------------------------------
// Callable: anything the interpreter can invoke
// ---------------------------------------------------------------------------

// Callable is implemented by compiled methods and host Go functions.
type Callable interface {
	// Call invokes the callable on the given interpreter.
	Call(in *Interpreter, args []Value) (Value, error)
}

// Call invokes the compiled method as a new frame on the interpreter.
func (m *CompiledMethod) Call(in *Interpreter, args []Value) (Value, error) {
	return in.call(m, args)
}

// GoFunc adapts a host Go function to the Callable interface.
// Go functions execute outside the dispatch loop: they create no frame
// and are not observed at instruction granularity.
type GoFunc func(in *Interpreter, args []Value) (Value, error)

// Call invokes the Go function directly.
func (f GoFunc) Call(in *Interpreter, args []Value) (Value, error) {
	return f(in, args)
}

// ---------------------------------------------------------------------------
// NewCompiledMethod and CompiledMethodBuilder
// ---------------------------------------------------------------------------

// NewCompiledMethod creates a new compiled method.
func NewCompiledMethod(name string, arity int) *CompiledMethod {
	return &CompiledMethod{
		name:     name,
		Arity:    arity,
		NumTemps: arity, // Initially just arguments
		Literals: make([]Value, 0, 8),
		Bytecode: make([]byte, 0, 32),
	}
}

// CompiledMethodBuilder helps construct CompiledMethod instances.
type CompiledMethodBuilder struct {
	method   *CompiledMethod
	bytecode *BytecodeBuilder
}

// NewCompiledMethodBuilder creates a new method builder.
func NewCompiledMethodBuilder(name string, arity int) *CompiledMethodBuilder {
	return &CompiledMethodBuilder{
		method:   NewCompiledMethod(name, arity),
		bytecode: NewBytecodeBuilder(),
	}
}

// SetSource sets the source text.
func (b *CompiledMethodBuilder) SetSource(source string) *CompiledMethodBuilder {
	b.method.Source = source
	return b
}

// SetNumTemps sets the total number of temporaries.
func (b *CompiledMethodBuilder) SetNumTemps(n int) *CompiledMethodBuilder {
	b.method.NumTemps = n
	return b
}

// AddLocal increases the temporary count by 1 and returns the index.
func (b *CompiledMethodBuilder) AddLocal() int {
	idx := b.method.NumTemps
	b.method.NumTemps++
	return idx
}

// NameTemp records a debug name for a temp index.
func (b *CompiledMethodBuilder) NameTemp(index int, name string) *CompiledMethodBuilder {
	for len(b.method.TempNames) <= index {
		b.method.TempNames = append(b.method.TempNames, "")
	}
	b.method.TempNames[index] = name
	return b
}

// AddLiteral adds a literal and returns its index.
func (b *CompiledMethodBuilder) AddLiteral(v Value) int {
	idx := len(b.method.Literals)
	b.method.Literals = append(b.method.Literals, v)
	return idx
}

// Bytecode returns the bytecode builder for direct emission.
func (b *CompiledMethodBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// Build finalizes and returns the compiled method.
func (b *CompiledMethodBuilder) Build() *CompiledMethod {
	b.method.Bytecode = b.bytecode.Bytes()
	return b.method
}
