package hostmem

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// AffinityTag fixes the affinity of an Adapter as part of its type
type AffinityTag interface {
	Affinity() Affinity
}

type ObjectsTag struct{}
type DataTag struct{}
type NodesTag struct{}
type PhysicsTag struct{}

func (ObjectsTag) Affinity() Affinity { return AffinityObjects }
func (DataTag) Affinity() Affinity    { return AffinityData }
func (NodesTag) Affinity() Affinity   { return AffinityNodes }
func (PhysicsTag) Affinity() Affinity { return AffinityPhysics }

// Adapter allocates slices of T from the process-wide allocator with the affinity named by A.
// The zero value is not usable, create adapters with NewAdapter so that T is checked.
//
// The backing memory of the slices may live outside the Go heap, so T must not contain Go
// pointers of any kind, including strings, slices, maps and interfaces.
type Adapter[T any, A AffinityTag] struct {
	elementSize int
}

// NewAdapter creates an Adapter, failing with ErrPointerType if T contains pointers
func NewAdapter[T any, A AffinityTag]() (Adapter[T, A], error) {
	var zero T
	elementType := reflect.TypeOf(&zero).Elem()

	err := checkPointerFree(elementType)
	if err != nil {
		return Adapter[T, A]{}, errors.Wrapf(err, "cannot allocate %s", elementType)
	}

	return Adapter[T, A]{elementSize: int(unsafe.Sizeof(zero))}, nil
}

// Rebind returns an adapter for U with the same affinity as adapter
func Rebind[U any, T any, A AffinityTag](adapter Adapter[T, A]) (Adapter[U, A], error) {
	return NewAdapter[U, A]()
}

func (a Adapter[T, A]) Affinity() Affinity {
	var tag A
	return tag.Affinity()
}

// Equal reports whether memory allocated by a can be deallocated by other. This is true for any
// two adapters with the same affinity, whatever their element types.
func (a Adapter[T, A]) Equal(other AffinityTag) bool {
	return other != nil && a.Affinity() == other.Affinity()
}

// Allocate returns a slice of n elements, or nil if the allocator could not serve the request.
// The contents of the slice are undefined.
func (a Adapter[T, A]) Allocate(n int) []T {
	if n <= 0 || (a.elementSize > 0 && n > maxInt/a.elementSize) {
		return nil
	}

	ptr := Allocate(n*a.elementSize, a.Affinity())
	if ptr == nil {
		return nil
	}

	return unsafe.Slice((*T)(ptr), n)
}

// Deallocate returns a slice obtained from Allocate. The slice may have been resliced, but must
// still start at the first element and keep its full capacity.
func (a Adapter[T, A]) Deallocate(slice []T) bool {
	if cap(slice) == 0 {
		return true
	}

	ptr := unsafe.Pointer(unsafe.SliceData(slice))
	return Deallocate(ptr, cap(slice)*a.elementSize)
}

const maxInt = int(^uint(0) >> 1)

func checkPointerFree(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPointerFree(t.Elem())
	case reflect.Struct:
		for fieldIndex := 0; fieldIndex < t.NumField(); fieldIndex++ {
			field := t.Field(fieldIndex)
			err := checkPointerFree(field.Type)
			if err != nil {
				return errors.Wrapf(err, "field %s", field.Name)
			}
		}
		return nil
	}

	return errors.Wrapf(ErrPointerType, "%s is a %s", t, t.Kind())
}

// Vector is a growable sequence of T whose storage comes from an Adapter. Release must be called
// when the vector is no longer needed.
type Vector[T any, A AffinityTag] struct {
	adapter Adapter[T, A]
	data    []T
}

// NewVector creates an empty vector with room for capacity elements
func NewVector[T any, A AffinityTag](capacity int) (*Vector[T, A], error) {
	adapter, err := NewAdapter[T, A]()
	if err != nil {
		return nil, err
	}

	vector := &Vector[T, A]{adapter: adapter}
	err = vector.Reserve(capacity)
	if err != nil {
		return nil, err
	}

	return vector, nil
}

func (v *Vector[T, A]) Len() int { return len(v.data) }
func (v *Vector[T, A]) Cap() int { return cap(v.data) }

func (v *Vector[T, A]) At(index int) T {
	return v.data[index]
}

func (v *Vector[T, A]) Set(index int, value T) {
	v.data[index] = value
}

// Slice returns the vector's elements. The slice is invalidated by any call that grows the vector.
func (v *Vector[T, A]) Slice() []T {
	return v.data
}

// Reserve grows the vector's storage so that it holds at least capacity elements
func (v *Vector[T, A]) Reserve(capacity int) error {
	if capacity <= cap(v.data) {
		return nil
	}

	storage := v.adapter.Allocate(capacity)
	if storage == nil {
		return errors.Wrapf(ErrOutOfMemory, "could not reserve %d elements", capacity)
	}

	length := copy(storage, v.data)
	if v.data != nil {
		v.adapter.Deallocate(v.data[:cap(v.data)])
	}

	v.data = storage[:length]
	return nil
}

func (v *Vector[T, A]) Append(values ...T) error {
	needed := len(v.data) + len(values)
	if needed > cap(v.data) {
		err := v.Reserve(max(needed, 2*cap(v.data), 4))
		if err != nil {
			return err
		}
	}

	v.data = append(v.data, values...)
	return nil
}

// Truncate shortens the vector to length elements without releasing storage
func (v *Vector[T, A]) Truncate(length int) {
	v.data = v.data[:length]
}

// Release returns the vector's storage to the allocator and empties it
func (v *Vector[T, A]) Release() {
	if v.data != nil {
		v.adapter.Deallocate(v.data[:cap(v.data)])
	}
	v.data = nil
}
