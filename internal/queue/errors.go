package queue

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrQueueUnavailable = errors.New("queue unavailable")
)
