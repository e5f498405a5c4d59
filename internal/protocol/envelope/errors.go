package envelope

import "errors"

var (
	ErrInvalidHandle     = errors.New("envelope: invalid handle")
	ErrReleased          = errors.New("envelope: released")
	ErrSealed            = errors.New("envelope: sealed")
	ErrWrongMode         = errors.New("envelope: wrong mode")
	ErrContainerMismatch = errors.New("envelope: container mismatch")
	ErrTypeMismatch      = errors.New("envelope: type mismatch")
	ErrEndOfContainer    = errors.New("envelope: end of container")
	ErrInvalidValue      = errors.New("envelope: invalid value")
)
