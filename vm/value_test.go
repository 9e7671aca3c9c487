package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Float tests
// ---------------------------------------------------------------------------

func TestFloatRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		-0.0,
		1.0,
		-1.0,
		3.14159265358979,
		-3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Errorf("FromFloat64(%v).IsFloat() = false, want true", f)
			continue
		}
		got := v.Float64()
		if got != f {
			t.Errorf("FromFloat64(%v).Float64() = %v, want %v", f, got, f)
		}
	}
}

func TestFloatNaN(t *testing.T) {
	// Real NaN should be treated as a float
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Error("NaN should be treated as float")
	}
	if !math.IsNaN(v.Float64()) {
		t.Error("NaN roundtrip failed")
	}
}

// ---------------------------------------------------------------------------
// SmallInt tests
// ---------------------------------------------------------------------------

func TestSmallIntRoundTrip(t *testing.T) {
	tests := []int64{
		0, 1, -1, 42, -42,
		MaxSmallInt, MinSmallInt,
		MaxSmallInt - 1, MinSmallInt + 1,
	}

	for _, n := range tests {
		v := FromSmallInt(n)
		if !v.IsSmallInt() {
			t.Errorf("FromSmallInt(%d).IsSmallInt() = false, want true", n)
			continue
		}
		if got := v.SmallInt(); got != n {
			t.Errorf("FromSmallInt(%d).SmallInt() = %d", n, got)
		}
	}
}

func TestSmallIntOutOfRange(t *testing.T) {
	if _, ok := TryFromSmallInt(MaxSmallInt + 1); ok {
		t.Error("TryFromSmallInt(MaxSmallInt+1) should fail")
	}
	if _, ok := TryFromSmallInt(MinSmallInt - 1); ok {
		t.Error("TryFromSmallInt(MinSmallInt-1) should fail")
	}
}

func TestSmallIntIsNotFloat(t *testing.T) {
	v := FromSmallInt(7)
	if v.IsFloat() {
		t.Error("small int should not be a float")
	}
	if v.IsSymbol() || v.IsSpecial() {
		t.Error("small int misclassified")
	}
}

// ---------------------------------------------------------------------------
// Special values and symbols
// ---------------------------------------------------------------------------

func TestSpecialValues(t *testing.T) {
	if !Nil.IsNil() || !Nil.IsSpecial() {
		t.Error("Nil misclassified")
	}
	if !True.IsBool() || !True.Bool() {
		t.Error("True misclassified")
	}
	if !False.IsBool() || False.Bool() {
		t.Error("False misclassified")
	}
	if Nil == True || True == False {
		t.Error("special values should be distinct")
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	for _, id := range []uint32{0, 1, 42, 1 << 20} {
		v := FromSymbolID(id)
		if !v.IsSymbol() {
			t.Errorf("FromSymbolID(%d).IsSymbol() = false", id)
			continue
		}
		if got := v.SymbolID(); got != id {
			t.Errorf("FromSymbolID(%d).SymbolID() = %d", id, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

func TestTruthiness(t *testing.T) {
	falsy := []Value{False, Nil}
	for _, v := range falsy {
		if v.IsTruthy() {
			t.Errorf("%s should be falsy", v.DebugString())
		}
	}

	truthy := []Value{True, FromSmallInt(0), FromSmallInt(1), FromFloat64(0.0), FromSymbolID(0)}
	for _, v := range truthy {
		if !v.IsTruthy() {
			t.Errorf("%s should be truthy", v.DebugString())
		}
	}
}

func TestDebugString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{True, "true"},
		{False, "false"},
		{FromSmallInt(-17), "-17"},
		{FromSymbolID(3), "#3"},
		{FromFloat64(1.5), "1.5"},
	}
	for _, tt := range tests {
		if got := tt.v.DebugString(); got != tt.want {
			t.Errorf("DebugString() = %q, want %q", got, tt.want)
		}
	}
}
