package coordinator

import "errors"

var (
	// ErrProtocolViolation is returned when an inbound message arrives in a
	// phase where it is not legal, e.g. hello outside MANUAL.
	ErrProtocolViolation = errors.New("coordinator: protocol violation")

	// ErrUnknownMessage is returned for a fan-in payload whose kind is not
	// part of the wire grammar at all.
	ErrUnknownMessage = errors.New("coordinator: unknown message kind")

	// ErrTransport is returned when the fan-in or fan-out socket fails.
	ErrTransport = errors.New("coordinator: transport error")
)
