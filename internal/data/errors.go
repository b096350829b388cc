package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrAccountNotFound    = errors.New("cloud account not found")
	ErrImageNotFound      = errors.New("machine image not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrDefinitionNotFound = errors.New("instance definition not found")
)
