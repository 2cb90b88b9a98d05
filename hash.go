package cht

import (
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// hashFunc digests a key into a probe hash. The seed is fixed per map
// instance, so equal keys always produce equal hashes for the lifetime
// of that map.
type hashFunc func(unsafe.Pointer, uintptr) uintptr

// defaultHasher selects a hash function for the key type:
//   - integer keys hash to themselves, which is both the cheapest option
//     and a perfect fit for linear probing over sequential keys
//   - string keys go through xxhash, salted with the per-map seed
//   - every other comparable type falls back to the built-in hasher
//     obtained from the runtime
func defaultHasher[K comparable]() hashFunc {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return *(*uintptr)(value)
		}

	case uint64, int64:
		if bits.UintSize == 32 {
			return func(value unsafe.Pointer, seed uintptr) uintptr {
				v := *(*uint64)(value)
				return uintptr(v) ^ uintptr(v>>32)
			}
		}

		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint64)(value))
		}

	case uint32, int32:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint32)(value))
		}

	case uint16, int16:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint16)(value))
		}

	case uint8, int8:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint8)(value))
		}

	case string:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(xxhash.Sum64String(*(*string)(value))) ^ seed
		}

	default:
		return defaultHasherUsingBuiltIn[K]()
	}
}

// defaultHasherUsingBuiltIn obtains Go's built-in hash function for the
// key type through its runtime type descriptor.
//
// Notes:
//   - This implementation relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasherUsingBuiltIn[K comparable]() hashFunc {
	var m map[K]struct{}
	return iTypeOf(m).MapType().Hasher
}

type iTFlag uint8
type iKind uint8
type iNameOff int32

// iTypeOff is the offset to a type from moduledata.types. See resolveTypeOff in runtime.
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr // number of (prefix) bytes in the type that can contain pointers
	Hash        uint32  // hash of type; avoids computation in hash tables
	TFlag       iTFlag  // extra type information flags
	Align_      uint8   // alignment of variable with this type
	FieldAlign_ uint8   // alignment of struct field with this type
	Kind_       iKind   // enumeration for C
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal func(unsafe.Pointer, unsafe.Pointer) bool
	// GCData stores the GC type data for the garbage collector.
	GCData    *byte
	Str       iNameOff // string form
	PtrToThis iTypeOff // type for pointer to this type, may be zero
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType // internal type representing a slot group
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static (for compiler-created types) or
	// heap-allocated but always reachable (for reflection-created
	// types, held in the central map), so they never need to escape.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
