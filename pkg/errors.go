package pkg

import "errors"

var (
	// ErrUnroutableDestination is returned when a send targets an unset,
	// unspecified or broadcast address
	ErrUnroutableDestination = errors.New("unroutable destination")

	// ErrStalePingResponse is reported when a PING_RSP matches no pending ping
	ErrStalePingResponse = errors.New("stale or duplicate ping response")

	// ErrPingTimeout is reported when a ping outlives the ping timeout
	ErrPingTimeout = errors.New("ping timed out")

	// ErrNotInRing is returned by operations that need ring membership
	ErrNotInRing = errors.New("node is not part of a ring")

	// ErrAlreadyInRing is returned when joining while joined or joining
	ErrAlreadyInRing = errors.New("node is already part of a ring")

	// ErrNodeLeaving is returned once the node has left the ring
	ErrNodeLeaving = errors.New("node has left the ring")
)
