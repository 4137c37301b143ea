package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

const (
	// CreatedFillPattern is the byte written across freshly-allocated payloads when the debug_mem_utils
	// build tag is present
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is the byte written across released payloads when the debug_mem_utils build
	// tag is present
	DestroyedFillPattern uint8 = 0xEF
)
