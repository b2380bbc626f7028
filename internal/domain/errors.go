package domain

import "errors"

var (
	ErrOutOfOrder    = errors.New("out of order")
	ErrRejected      = errors.New("signal rejected")
	ErrConservation  = errors.New("conservation violated")
	ErrFeed          = errors.New("bar feed error")
	ErrUnknownOrder  = errors.New("unknown order")
	ErrNotPending    = errors.New("order not pending")
	ErrNotFound      = errors.New("not found")
	ErrInvalidConfig = errors.New("invalid configuration")
)
