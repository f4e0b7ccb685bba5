package bridge

import "errors"

// Sentinel errors distinguishing the error kinds of spec §7. Call sites
// that need to branch on kind use errors.Is against these.
var (
	ErrInvalidArgument       = errors.New("bridge: invalid argument")
	ErrNotInBridge           = errors.New("bridge: channel not in bridge")
	ErrWrongState            = errors.New("bridge: channel not in expected state")
	ErrDissolved             = errors.New("bridge: bridge is dissolved")
	ErrInhibited             = errors.New("bridge: operation inhibited")
	ErrTechnologyUnavailable = errors.New("bridge: no technology satisfies requested capabilities")
	ErrIncompatible          = errors.New("bridge: channel format incompatible with technology")
	ErrSyncTimeout           = errors.New("bridge: synchronous action frame timed out")
	ErrResourceExhaustion    = errors.New("bridge: resource allocation failed")
)
