// Package dist implements the wire format for compiled methods. Methods
// travel as CBOR chunks with their literal pool encoded symbolically, so
// a method serialized from one VM can be loaded into another whose
// symbol table assigns different IDs.
package dist

// WireVersion is the current chunk format version.
const WireVersion byte = 1

// LiteralKind identifies the encoding of one literal-pool entry.
type LiteralKind uint8

const (
	LiteralNil    LiteralKind = 0
	LiteralBool   LiteralKind = 1
	LiteralInt    LiteralKind = 2
	LiteralFloat  LiteralKind = 3
	LiteralSymbol LiteralKind = 4
)

// Literal is one tagged literal-pool entry. Symbols are carried by name
// and re-interned on load.
type Literal struct {
	Kind   LiteralKind `cbor:"1,keyasint"`
	Int    int64       `cbor:"2,keyasint,omitempty"`
	Float  float64     `cbor:"3,keyasint,omitempty"`
	Bool   bool        `cbor:"4,keyasint,omitempty"`
	Symbol string      `cbor:"5,keyasint,omitempty"`
}

// CallSite records a bytecode position whose inline function-name
// symbol ID must be relocated against the loading VM's symbol table.
type CallSite struct {
	Offset int    `cbor:"1,keyasint"` // position of the 16-bit name operand
	Name   string `cbor:"2,keyasint"`
}

// MethodChunk is the atomic unit of method distribution.
type MethodChunk struct {
	Version   byte       `cbor:"1,keyasint"`
	Name      string     `cbor:"2,keyasint"`
	Arity     int        `cbor:"3,keyasint"`
	NumTemps  int        `cbor:"4,keyasint"`
	TempNames []string   `cbor:"5,keyasint,omitempty"`
	Literals  []Literal  `cbor:"6,keyasint,omitempty"`
	Bytecode  []byte     `cbor:"7,keyasint"`
	Calls     []CallSite `cbor:"8,keyasint,omitempty"`
}
