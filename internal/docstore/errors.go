package docstore

import "errors"

var (
	ErrNotFound      = errors.New("document not found")
	ErrConflict      = errors.New("transaction conflict")
	ErrTxExhausted   = errors.New("transaction attempts exhausted")
	ErrUnavailable   = errors.New("store unavailable")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrClosed        = errors.New("store closed")
)

// IsUnavailable reports whether err means the store could not complete the
// operation and the caller may retry later.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrTxExhausted) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrClosed)
}
