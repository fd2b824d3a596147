package store

import "errors"

var (
	ErrBotNotFound  = errors.New("bot not found")
	ErrSlotNotFound = errors.New("pool slot not found")

	// ErrPreconditionFailed marks a state transition the current row does
	// not permit (e.g. DONE without a recording when recording is on).
	ErrPreconditionFailed = errors.New("precondition failed")
)
