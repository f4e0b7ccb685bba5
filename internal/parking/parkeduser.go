package parking

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowpbx/flowpbx/internal/bridge"
)

// Resolution is how a parked call eventually leaves its space. It is
// set exactly once (§4.9: "ParkedUser resolution state machine,
// UNSET -> {ABANDONED, ANSWERED, TIMEOUT, FORCED} exactly once").
type Resolution int

const (
	ResolutionUnset Resolution = iota
	ResolutionAbandoned
	ResolutionAnswered
	ResolutionTimeout
	ResolutionForced
)

// ParkedUser is one call occupying a ParkingLot space.
type ParkedUser struct {
	Lot      *ParkingLot
	Space    int
	Channel  *bridge.BridgeChannel
	ParkerID string
	ParkedAt time.Time

	mu         sync.Mutex
	resolution Resolution
}

// resolve sets the resolution exactly once; subsequent calls are
// no-ops, matching the spec's UNSET->terminal-exactly-once invariant.
func (pu *ParkedUser) resolve(r Resolution) bool {
	pu.mu.Lock()
	defer pu.mu.Unlock()
	if pu.resolution != ResolutionUnset {
		return false
	}
	pu.resolution = r
	return true
}

// Resolution reports the current resolution (ResolutionUnset if the
// call is still parked).
func (pu *ParkedUser) Resolution() Resolution {
	pu.mu.Lock()
	defer pu.mu.Unlock()
	return pu.resolution
}

// Park pushes c into the lot's holding bridge, allocates a space, and
// installs the parking-timeout interval hook (§4.9). The returned
// ParkedUser is also reachable via Lot.Lookup(space) until it resolves.
func Park(l *ParkingLot, c *bridge.BridgeChannel, parkerID string, bus bridge.EventBus) (*ParkedUser, error) {
	space, ok := l.allocateSpace()
	if !ok {
		return nil, fmt.Errorf("parking: lot %q is full", l.cfg.Name)
	}

	pu := &ParkedUser{Lot: l, Space: space, Channel: c, ParkerID: parkerID, ParkedAt: time.Now()}

	l.mu.Lock()
	l.occupied[space] = pu
	l.mu.Unlock()

	if l.cfg.ParkTimeout > 0 {
		c.Features.AddIntervalHook(func(ch *bridge.BridgeChannel) bridge.IntervalAction {
			if pu.resolve(ResolutionTimeout) {
				l.release(space)
				bus.Publish(bridge.Event{
					Kind:      bridge.EventParkedCallTimeout,
					BridgeID:  l.bridge.ID.String(),
					ChannelID: ch.Endpoint().ID(),
					Data:      map[string]any{"space": space},
				})
				ch.LeaveBridge(bridge.CauseNoAnswer)
			}
			return bridge.IntervalRemove
		}, int(l.cfg.ParkTimeout.Milliseconds()), 0)
	}

	// A parked channel that hangs up (or is pulled some other way) while
	// still unresolved is abandoned (§4.9): nothing else ever sets a
	// resolution for it, so this is the only path that reliably catches
	// that case, regardless of which of Retrieve/Force/timeout raced it.
	c.Features.AddLeaveHook(func(ch *bridge.BridgeChannel) bridge.HookAction {
		if pu.Resolution() == ResolutionUnset {
			Abandon(pu, bus)
		}
		return bridge.HookKeep
	}, 0, 0)

	if err := l.bridge.Push(c, nil); err != nil {
		l.release(space)
		return nil, fmt.Errorf("parking: push to lot bridge: %w", err)
	}

	bus.Publish(bridge.Event{
		Kind:      bridge.EventParkedCall,
		BridgeID:  l.bridge.ID.String(),
		ChannelID: c.Endpoint().ID(),
		Data:      map[string]any{"space": space},
	})
	return pu, nil
}

// Retrieve moves a parked call out of its space into dst, marking the
// resolution ANSWERED. A parked call already resolved (e.g. it just
// timed out) cannot be retrieved; callers get bridge.ErrWrongState.
func Retrieve(pu *ParkedUser, dst *bridge.Bridge) error {
	if !pu.resolve(ResolutionAnswered) {
		return bridge.ErrWrongState
	}
	defer pu.Lot.release(pu.Space)
	return bridge.Move(pu.Channel, dst, nil)
}

// Abandon marks a parked call as abandoned (the parked party itself
// hung up while waiting) without moving it anywhere; the bridge's own
// pull/dissolve-on-hangup machinery has already removed the channel by
// the time a hangup observer calls this.
func Abandon(pu *ParkedUser, bus bridge.EventBus) {
	if !pu.resolve(ResolutionAbandoned) {
		return
	}
	pu.Lot.release(pu.Space)
	bus.Publish(bridge.Event{
		Kind:      bridge.EventParkedCallGiveup,
		BridgeID:  pu.Lot.bridge.ID.String(),
		ChannelID: pu.Channel.Endpoint().ID(),
		Data:      map[string]any{"space": pu.Space},
	})
}

// Force ejects a parked call outright (administrative action), marking
// resolution FORCED.
func Force(pu *ParkedUser, cause bridge.Cause) bool {
	if !pu.resolve(ResolutionForced) {
		return false
	}
	pu.Lot.release(pu.Space)
	pu.Channel.LeaveBridge(cause)
	return true
}
