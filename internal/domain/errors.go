package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid pair trade request")
	ErrNoQuote           = errors.New("no quote for instrument")
	ErrUnknownLeg        = errors.New("unknown leg key")
	ErrAlreadyFinished   = errors.New("pair order already finished")
	ErrIllegalTransition = errors.New("illegal pair order state transition")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrContextDone       = errors.New("context cancelled")
	ErrLockHeld          = errors.New("lock already held")
)
