package bridge

import "time"

// HookAction is the normalized return value of join/leave/hangup/talk/
// move hook callbacks and of an exact-match DTMF hook callback (§9:
// "normalise per hook variant").
type HookAction int

const (
	HookKeep HookAction = iota
	HookRemove
)

// IntervalAction is the normalized return value of an interval hook
// callback.
type IntervalAction int

const (
	IntervalKeep IntervalAction = iota
	IntervalReset
	IntervalRemove
)

// HookRemoveFlag bitmasks when a hook is automatically unlinked.
type HookRemoveFlag uint8

const (
	RemoveOnPull HookRemoveFlag = 1 << iota
	RemoveOnPersonalityChange
)

// HookOption bitmasks optional hook behavior.
type HookOption uint8

const (
	// OptionMedia suspends media delivery to/from the channel for the
	// duration of the hook callback (§5 Suspension points).
	OptionMedia HookOption = 1 << iota
)

// DTMFHookCallback runs on an exact DTMF code match. collected is the
// digit sequence that matched (already cleared from the channel's
// buffer before this runs, per §4.5).
type DTMFHookCallback func(c *BridgeChannel, collected string) HookAction

// DTMFHook is a feature hook keyed by a DTMF digit-string prefix.
type DTMFHook struct {
	Code        string
	Callback    DTMFHookCallback
	RemoveFlags HookRemoveFlag
	Options     HookOption
	Pvt         any
	PvtDestroy  func(any)
}

// IntervalHookCallback runs when the hook's trip time elapses. It
// returns the normalized action and, for IntervalReset, the new
// interval in milliseconds is read from the hook's IntervalMS field
// (the callback mutates it before returning IntervalReset).
type IntervalHookCallback func(c *BridgeChannel) IntervalAction

// IntervalHook is a feature hook that fires once at a trip time and,
// depending on its callback's return, either is removed or rescheduled.
type IntervalHook struct {
	Callback   IntervalHookCallback
	IntervalMS int
	TripTime   time.Time
	Seq        uint64
	Options    HookOption
	RemoveFlags HookRemoveFlag
	Pvt        any
	PvtDestroy func(any)

	heapIndex int
}

// OtherHookCallback is the shared signature for join/leave/hangup hooks.
type OtherHookCallback func(c *BridgeChannel) HookAction

// TalkHookCallback runs when the mixing technology signals a talk
// start/stop transition for the channel.
type TalkHookCallback func(c *BridgeChannel, talking bool) HookAction

// MoveHookCallback runs when the channel is moved between bridges (§4.7).
type MoveHookCallback func(c *BridgeChannel, src, dst *Bridge) HookAction

// runHookSuspended brackets fn with suspendMember/unsuspendMember when
// opts requests it (§5 Suspension points): a hook marked OptionMedia
// must not have bridge audio flowing to or from the channel while its
// callback runs. b may be nil (channel not currently bridged), in which
// case there is nothing to suspend and fn just runs.
func runHookSuspended(b *Bridge, c *BridgeChannel, opts HookOption, fn func()) {
	suspend := b != nil && opts&OptionMedia != 0
	if suspend {
		b.suspendMember(c)
	}
	fn()
	if suspend {
		b.unsuspendMember(c)
	}
}
