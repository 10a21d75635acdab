package poolmap

import "errors"

// Error kinds from spec §7. Each is a distinct sentinel so callers can test
// with errors.Is; wrapped errors add the offending id/rank for diagnostics.
var (
	ErrInvalidArgument = errors.New("poolmap: invalid argument")
	ErrInvalidFormat   = errors.New("poolmap: invalid wire format")
	ErrInvalidVersion  = errors.New("poolmap: version must advance")
	ErrNotFound        = errors.New("poolmap: component not found")
	ErrBusy            = errors.New("poolmap: illegal state transition")
	ErrNotSupported    = errors.New("poolmap: operation not supported for this status")
)
