package placement

import "errors"

var (
	// ErrInvalidArgument covers GRP_PREV/GRP_SPLIT, reserved opcodes the
	// resolver does not implement, and malformed object attributes.
	ErrInvalidArgument = errors.New("placement: invalid argument")
	// ErrNoSpare is returned when a redundancy group's spare chain runs
	// out of rim positions without finding a usable target, which means
	// the pool has fewer usable targets than the object needs.
	ErrNoSpare = errors.New("placement: no usable spare target found")
)
