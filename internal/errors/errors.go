package errors

import "errors"

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrCancelled      = errors.New("download cancelled")
	ErrPaused         = errors.New("download paused")
	ErrStalled        = errors.New("download stalled: no data received within read timeout")
	ErrBadStatus      = errors.New("unexpected response status")
	ErrShuttingDown   = errors.New("coordinator is shutting down")
	ErrInvalidRequest = errors.New("invalid request")
)
