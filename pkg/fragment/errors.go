package fragment

import "errors"

// Fragmentation errors.
var (
	// ErrFragmentSizeTooSmall is returned when the link cannot carry a flag
	// byte plus at least one payload byte.
	ErrFragmentSizeTooSmall = errors.New("fragment: maximum fragment size must be at least 2")

	// ErrOverflow is returned when a message would exceed the reassembly limit.
	// The partial message is discarded.
	ErrOverflow = errors.New("fragment: reassembly buffer overflow")

	// ErrUnexpectedFragment is returned for a fragment whose flag byte is
	// neither 0 nor 1.
	ErrUnexpectedFragment = errors.New("fragment: unexpected fragment")

	// ErrEmptyFragment is returned for a zero-length fragment.
	ErrEmptyFragment = errors.New("fragment: empty fragment")

	// ErrReassemblyConflict is returned when a new message is started while
	// another is still incomplete.
	ErrReassemblyConflict = errors.New("fragment: reassembly already in progress")
)
