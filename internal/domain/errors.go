package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrLockHeld         = errors.New("lock already held")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrNoAgentCapacity  = errors.New("no agent with free collateral capacity")
	ErrProofUnavailable = errors.New("payment proof not available")
	ErrReservationGone  = errors.New("collateral reservation expired")
	ErrSigningFailed    = errors.New("signing failed")
)
