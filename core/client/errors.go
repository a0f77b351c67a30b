package client

import (
	"errors"
)

var (
	// ErrTimeout is returned when no matching reply arrived before the
	// exchange deadline.
	ErrTimeout = errors.New("no reply within timeout")
	// ErrNoResponse is returned when the peer is unreachable or refuses
	// service.
	ErrNoResponse = errors.New("peer did not respond")
	// ErrMalformedReply is returned when a reply cannot be decoded or fails
	// validation.
	ErrMalformedReply = errors.New("malformed reply")

	errWrite                 = errors.New("failed to write packet")
	errUnexpectedPacketFlags = errors.New("failed to read packet: unexpected flags")
	errNotConnected          = errors.New("client not connected")
)
