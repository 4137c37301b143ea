//go:build debug_mem_utils

package memutils

import "unsafe"

// DebugEnabled reports whether memutils was built with the debug_mem_utils build tag
const DebugEnabled bool = true

// DebugFill writes pattern across size bytes at data.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugFill(data unsafe.Pointer, size int, pattern uint8) {
	if data == nil || size <= 0 {
		return
	}

	dataSlice := unsafe.Slice((*uint8)(data), size)
	for i := range dataSlice {
		dataSlice[i] = pattern
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
