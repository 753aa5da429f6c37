package participant

import "errors"

var (
	// ErrProtocolViolation is returned when an inbound order arrives in a
	// local phase where it is not legal, e.g. start while not READY.
	ErrProtocolViolation = errors.New("participant: protocol violation")

	// ErrUnknownMessage is returned for a fan-out payload whose kind is not
	// part of the wire grammar at all.
	ErrUnknownMessage = errors.New("participant: unknown message kind")

	// ErrTransport is returned when the fan-in or fan-out socket fails.
	ErrTransport = errors.New("participant: transport error")

	// ErrRegistrationAborted is returned by Start if ctx is cancelled before
	// the coordinator's hello echo arrives.
	ErrRegistrationAborted = errors.New("participant: registration aborted before echo")
)
