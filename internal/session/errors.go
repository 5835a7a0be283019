package session

import "errors"

var (
	// ErrTurnInFlight is returned when a conversation already has a turn streaming.
	ErrTurnInFlight = errors.New("turn already in flight for conversation")

	// ErrCancelled is returned by SendTurn when the turn was cancelled.
	ErrCancelled = errors.New("turn cancelled")

	// ErrEmptyInput is returned for blank user text.
	ErrEmptyInput = errors.New("empty message")

	// ErrNoProvider is returned when no provider is selected.
	ErrNoProvider = errors.New("no provider selected")

	// ErrNoModel is returned when no model is selected.
	ErrNoModel = errors.New("no model selected")

	// ErrUnknownModel is returned when selecting a model the provider does not list.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownPromptMode is returned for a prompt mode with no persona.
	ErrUnknownPromptMode = errors.New("unknown prompt mode")

	// ErrEmptyResponse is returned when a stream ends without any text.
	ErrEmptyResponse = errors.New("provider returned an empty response")
)
