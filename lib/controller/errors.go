package controller

import "errors"

var (
	// ErrInvalidState is returned when a state transition is not allowed
	ErrInvalidState = errors.New("invalid controller state")
)
