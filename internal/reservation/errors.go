package reservation

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("reservation not found")
	ErrExpired           = errors.New("reservation expired")
	ErrInvalidTransition = errors.New("reservation status does not allow this action")
	ErrUnavailable       = errors.New("reservation store unavailable")
)
