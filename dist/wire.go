package dist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/retracesoftware/retrace/vm"
)

// cborEncMode is the canonical encoding mode, for deterministic output.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalMethod serializes a compiled method to CBOR bytes. Symbol
// literals and inline call-site name IDs are resolved against symbols
// and carried by name.
func MarshalMethod(m *vm.CompiledMethod, symbols *vm.SymbolTable) ([]byte, error) {
	chunk, err := EncodeMethod(m, symbols)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(chunk)
}

// UnmarshalMethod deserializes a compiled method from CBOR bytes,
// re-interning symbols against symbols.
func UnmarshalMethod(data []byte, symbols *vm.SymbolTable) (*vm.CompiledMethod, error) {
	var chunk MethodChunk
	if err := cbor.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("dist: unmarshal method: %w", err)
	}
	return DecodeMethod(&chunk, symbols)
}

// EncodeMethod converts a compiled method to its wire chunk.
func EncodeMethod(m *vm.CompiledMethod, symbols *vm.SymbolTable) (*MethodChunk, error) {
	chunk := &MethodChunk{
		Version:   WireVersion,
		Name:      m.Name(),
		Arity:     m.Arity,
		NumTemps:  m.NumTemps,
		TempNames: append([]string(nil), m.TempNames...),
		Bytecode:  append([]byte(nil), m.Bytecode...),
	}

	for i, lit := range m.Literals {
		enc, err := encodeLiteral(lit, symbols)
		if err != nil {
			return nil, fmt.Errorf("dist: literal %d of %s: %w", i, m.Name(), err)
		}
		chunk.Literals = append(chunk.Literals, enc)
	}

	calls, err := collectCallSites(m.Bytecode, symbols)
	if err != nil {
		return nil, fmt.Errorf("dist: method %s: %w", m.Name(), err)
	}
	chunk.Calls = calls
	return chunk, nil
}

// DecodeMethod reconstructs a compiled method from its wire chunk,
// relocating symbol references against the loading VM's table.
func DecodeMethod(chunk *MethodChunk, symbols *vm.SymbolTable) (*vm.CompiledMethod, error) {
	if chunk.Version != WireVersion {
		return nil, fmt.Errorf("dist: unsupported wire version %d", chunk.Version)
	}

	m := vm.NewCompiledMethod(chunk.Name, chunk.Arity)
	m.NumTemps = chunk.NumTemps
	m.TempNames = append([]string(nil), chunk.TempNames...)
	m.Bytecode = append([]byte(nil), chunk.Bytecode...)

	for i, lit := range chunk.Literals {
		v, err := decodeLiteral(lit, symbols)
		if err != nil {
			return nil, fmt.Errorf("dist: literal %d of %s: %w", i, chunk.Name, err)
		}
		m.Literals = append(m.Literals, v)
	}

	// Relocate inline call-site name IDs
	for _, site := range chunk.Calls {
		if site.Offset < 0 || site.Offset+2 > len(m.Bytecode) {
			return nil, fmt.Errorf("dist: call site offset %d out of range in %s", site.Offset, chunk.Name)
		}
		id := symbols.Intern(site.Name)
		if id > 0xFFFF {
			return nil, fmt.Errorf("dist: symbol ID %d for %q exceeds call operand width", id, site.Name)
		}
		m.Bytecode[site.Offset] = byte(id)
		m.Bytecode[site.Offset+1] = byte(id >> 8)
	}
	return m, nil
}

func encodeLiteral(v vm.Value, symbols *vm.SymbolTable) (Literal, error) {
	switch {
	case v.IsNil():
		return Literal{Kind: LiteralNil}, nil
	case v.IsBool():
		return Literal{Kind: LiteralBool, Bool: v.Bool()}, nil
	case v.IsSmallInt():
		return Literal{Kind: LiteralInt, Int: v.SmallInt()}, nil
	case v.IsSymbol():
		name := symbols.Name(v.SymbolID())
		if name == "" {
			return Literal{}, fmt.Errorf("unknown symbol ID %d", v.SymbolID())
		}
		return Literal{Kind: LiteralSymbol, Symbol: name}, nil
	case v.IsFloat():
		return Literal{Kind: LiteralFloat, Float: v.Float64()}, nil
	}
	return Literal{}, fmt.Errorf("unencodable value %s", v.DebugString())
}

func decodeLiteral(lit Literal, symbols *vm.SymbolTable) (vm.Value, error) {
	switch lit.Kind {
	case LiteralNil:
		return vm.Nil, nil
	case LiteralBool:
		return vm.FromBool(lit.Bool), nil
	case LiteralInt:
		v, ok := vm.TryFromSmallInt(lit.Int)
		if !ok {
			return vm.Nil, fmt.Errorf("integer literal %d out of range", lit.Int)
		}
		return v, nil
	case LiteralFloat:
		return vm.FromFloat64(lit.Float), nil
	case LiteralSymbol:
		return vm.FromSymbolID(symbols.Intern(lit.Symbol)), nil
	}
	return vm.Nil, fmt.Errorf("unknown literal kind %d", lit.Kind)
}

// collectCallSites scans bytecode for CALL instructions and records the
// position and resolved name of each inline name operand.
func collectCallSites(bytecode []byte, symbols *vm.SymbolTable) ([]CallSite, error) {
	var sites []CallSite
	r := vm.NewBytecodeReader(bytecode)
	for r.HasMore() {
		pos := r.Position()
		op := r.ReadOpcode()
		if op == vm.OpCall {
			id := r.ReadUint16()
			r.Skip(1) // argc
			name := symbols.Name(uint32(id))
			if name == "" {
				return nil, fmt.Errorf("call at %d references unknown symbol ID %d", pos, id)
			}
			sites = append(sites, CallSite{Offset: pos + 1, Name: name})
			continue
		}
		r.Skip(op.OperandBytes())
	}
	return sites, nil
}
