package beacon

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by relay operations before startup data
	// has been loaded.
	ErrNotInitialized = errors.New("beacon: core not initialized")
	// ErrAgeGateMismatch is returned when a channel's age gate disagrees with
	// the space's, or the platform cannot express an age gate at all.
	ErrAgeGateMismatch = errors.New("beacon: age gate mismatch")
	// ErrDriverUnsupported is returned when a driver does not implement an
	// optional operation.
	ErrDriverUnsupported = errors.New("beacon: operation not supported by driver")
	// ErrPlatformNotAllowed is returned when registration is gated by the
	// platform whitelist.
	ErrPlatformNotAllowed = errors.New("beacon: platform not allowed")

	// Space membership errors.
	ErrAlreadyJoined = errors.New("beacon: server already joined this space")
	ErrNotJoined     = errors.New("beacon: server has not joined this space")
	ErrBanned        = errors.New("beacon: server is banned from this space")
	ErrInvalidInvite = errors.New("beacon: invite is invalid or expired")
	ErrNoInvite      = errors.New("beacon: space is private and requires an invite")
)

// BlockedReason says which eligibility stage rejected a message.
type BlockedReason string

const (
	BlockedBridgePaused BlockedReason = "bridge_paused"
	BlockedFilter       BlockedReason = "filter"
)

// BlockedError is returned when a message is rejected before fan-out.
// Message carries the user-facing explanation, if the blocking filter
// provides one.
type BlockedError struct {
	Reason  BlockedReason
	Filter  string
	Message string
}

func (e *BlockedError) Error() string {
	if e.Filter != "" {
		return fmt.Sprintf("beacon: message blocked by filter %q", e.Filter)
	}
	return fmt.Sprintf("beacon: message blocked (%s)", e.Reason)
}

// PlatformMismatchError is returned when an entity from one platform is
// handed to a driver for another.
type PlatformMismatchError struct {
	Want string
	Got  string
}

func (e *PlatformMismatchError) Error() string {
	return fmt.Sprintf("beacon: platform mismatch: driver %q given %q entity", e.Want, e.Got)
}
