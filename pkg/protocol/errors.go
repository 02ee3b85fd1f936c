package protocol

import "errors"

var (
	// ErrProtocolViolation is returned when a negotiated protocol update is
	// unusable as a whole. The catalog is left untouched.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnknownDirection is wrapped into ErrProtocolViolation when an update
	// names a direction other than ToStreamer or FromStreamer.
	ErrUnknownDirection = errors.New("unknown message direction")

	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrUnknownMessageID    = errors.New("unknown message id")
	ErrMalformedDescriptor = errors.New("malformed descriptor")
	ErrInvalidDefinition   = errors.New("invalid message definition")
	ErrIDInUse             = errors.New("message id already in use")
	ErrNoHandler           = errors.New("no registered handler")
	ErrEmptyFrame          = errors.New("empty frame")
)
