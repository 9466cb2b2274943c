package service

import "errors"

var (
	// ErrInvalidTransition is returned when an input arrives in a state that
	// does not accept it. The orchestrator state is left unchanged.
	ErrInvalidTransition = errors.New("invalid service transition")

	// ErrUnknownState means the customer's mood is missing from a drink's
	// effect table. The effect defaults to zero.
	ErrUnknownState = errors.New("unknown customer state")

	// ErrOverflowRejected is returned by Queue.Enqueue when the queue is full
	// and the overflow policy rejects new arrivals.
	ErrOverflowRejected = errors.New("service queue full")

	// ErrAlreadyServicing is returned when a session is started while
	// another is live.
	ErrAlreadyServicing = errors.New("already servicing a customer")

	// ErrQueueEmpty is returned when a session is started with nobody waiting.
	ErrQueueEmpty = errors.New("no customer waiting")

	// ErrPacingDelay is returned when a session is started before the
	// pacing interval has elapsed.
	ErrPacingDelay = errors.New("pacing interval not elapsed")

	// ErrUnknownItem is returned when a delivery names an item not on the menu.
	ErrUnknownItem = errors.New("unknown menu item")
)
