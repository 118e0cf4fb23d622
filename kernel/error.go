// Package kernel holds the types shared by every kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error and compared by identity, so returning one never
// allocates and callers can switch on the exact value.
type Error struct {
	// The subsystem that reported the error.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error formatted as "[module] message", the form used in
// console output.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return "[" + e.Module + "] " + e.Message
}
