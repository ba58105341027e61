package domain

import "errors"

var (
	ErrInvalidTransition = errors.New("command: invalid status transition")
	ErrInvalidRolePair   = errors.New("role: invalid role command pair")
)
