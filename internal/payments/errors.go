package payments

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrInvalidPayload    = errors.New("invalid webhook payload")
	ErrUpstreamFailure   = errors.New("payment processor failure")
	ErrInvalidDependency = errors.New("invalid payments dependency")
)
