package engine

import (
	"fmt"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/program"
)

// strTag marks a reference Value as a constant-pool string rather than an
// arena object. The pool deduplicates literals, so token identity is string
// equality.
const strTag uint32 = 1 << 31

// Value is one stack, local, or field slot. Kind selects the live
// representation: Int carries integers and booleans (0 or 1), Ref carries an
// arena reference (0 is null) or a tagged constant-pool string token.
type Value struct {
	Kind program.Kind
	Int  int64
	Ref  uint32
}

// Null is the null reference.
var Null = Value{Kind: program.KindRef}

// IntVal returns an integer value.
func IntVal(n int64) Value { return Value{Kind: program.KindInt, Int: n} }

// BoolVal returns a boolean value.
func BoolVal(b bool) Value {
	v := Value{Kind: program.KindBool}
	if b {
		v.Int = 1
	}
	return v
}

// RefVal returns a reference to an arena object.
func RefVal(ref uint32) Value { return Value{Kind: program.KindRef, Ref: ref} }

// StrVal returns a reference to a constant-pool string.
func StrVal(tok image.Token) Value {
	return Value{Kind: program.KindRef, Ref: uint32(tok) | strTag}
}

// IsNull reports whether the value is the null reference.
func (v Value) IsNull() bool { return v.Kind == program.KindRef && v.Ref == 0 }

// IsStr reports whether the value references a constant-pool string.
func (v Value) IsStr() bool { return v.Kind == program.KindRef && v.Ref&strTag != 0 }

// StrToken returns the constant-pool token of a string value.
func (v Value) StrToken() image.Token { return image.Token(v.Ref &^ strTag) }

// Bool reads the value as a boolean.
func (v Value) Bool() bool { return v.Int != 0 }

// Equal compares integers and booleans by content and references by
// identity. Values of different kinds never compare equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == program.KindRef {
		return v.Ref == o.Ref
	}
	return v.Int == o.Int
}

func (v Value) String() string {
	switch v.Kind {
	case program.KindInt:
		return fmt.Sprintf("%d", v.Int)
	case program.KindBool:
		if v.Int != 0 {
			return "true"
		}
		return "false"
	case program.KindRef:
		switch {
		case v.Ref == 0:
			return "null"
		case v.IsStr():
			return fmt.Sprintf("str#%d", v.StrToken())
		default:
			return fmt.Sprintf("ref#%d", v.Ref)
		}
	}
	return "void"
}

// zeroValue is the default content of a fresh field slot.
func zeroValue(k program.Kind) Value {
	if k == program.KindRef {
		return Null
	}
	return Value{Kind: k}
}
