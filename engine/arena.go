package engine

import (
	"github.com/motelab/mote/image"
	"github.com/motelab/mote/program"
)

// object is one arena allocation: a class token plus its field slots,
// superclass slots first.
type object struct {
	class  image.Token
	fields []Value
}

// arena is the fixed-capacity object heap. References are 1-based slot
// indexes; 0 is the null reference. Nothing is ever freed: the device has no
// collector, so programs must allocate within their budget or fault.
type arena struct {
	capacity int
	objects  []object
}

// alloc creates an instance with zeroed fields. ok is false when the arena
// is exhausted.
func (a *arena) alloc(class image.Token, fields []program.Kind) (uint32, bool) {
	if len(a.objects) >= a.capacity {
		return 0, false
	}
	slots := make([]Value, len(fields))
	for i, k := range fields {
		slots[i] = zeroValue(k)
	}
	a.objects = append(a.objects, object{class: class, fields: slots})
	return uint32(len(a.objects)), true
}

// get returns the object behind a reference, or nil for null, string-tagged,
// and out-of-range references.
func (a *arena) get(ref uint32) *object {
	if ref == 0 || ref&strTag != 0 || uint64(ref) > uint64(len(a.objects)) {
		return nil
	}
	return &a.objects[ref-1]
}

func (a *arena) reset() { a.objects = a.objects[:0] }

func (a *arena) live() int { return len(a.objects) }
