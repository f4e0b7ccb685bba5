package bridge

// Merge absorbs one bridge's membership into the other, picking the
// survivor via vtable.GetMergePriority with membership count and bridge
// ID as deterministic tiebreaks (§4.7). The absorbed bridge is dissolved
// once empty. Both bridge locks are held for the whole operation so no
// observer ever sees a channel belonging to neither bridge.
func Merge(a, b *Bridge) error {
	if a == b {
		return ErrInvalidArgument
	}

	unlock := lockTwo(a, b)

	if a.dissolved || b.dissolved {
		unlock()
		return ErrDissolved
	}
	if a.Flags.Has(FlagMasqueradeOnly) || b.Flags.Has(FlagMasqueradeOnly) {
		unlock()
		return ErrInhibited
	}
	if a.mergeInhibit != 0 || b.mergeInhibit != 0 {
		unlock()
		return ErrInhibited
	}
	if a.Flags.Has(FlagTransferBridgeOnly) != b.Flags.Has(FlagTransferBridgeOnly) {
		unlock()
		return ErrInhibited
	}

	survivor, absorbed := mergeDirection(a, b)
	if survivor.Flags.Has(FlagMergeInhibitTo) || absorbed.Flags.Has(FlagMergeInhibitFrom) {
		unlock()
		return ErrInhibited
	}

	members := make([]*BridgeChannel, len(absorbed.channels))
	copy(members, absorbed.channels)

	var events []Event
	for _, c := range members {
		pullEvents, _ := absorbed.pullLocked(c)
		events = append(events, pullEvents...)

		pushEvents, err := survivor.pushLocked(c, nil)
		if err != nil {
			// the channel can neither stay (its bridge is being absorbed)
			// nor join the survivor: drop it rather than strand it.
			c.leaveBridge(StateEnd, CauseNormalClearing)
			continue
		}
		events = append(events, pushEvents...)
	}

	absorbed.reconfigureLocked()
	survivor.reconfigureLocked()
	events = append(events, absorbed.dissolveLocked(CauseNormalClearing)...)

	unlock()

	for _, ev := range events {
		survivor.bus.Publish(ev)
	}
	return nil
}

// mergeDirection decides which bridge survives a merge: higher
// GetMergePriority wins; ties break toward the larger bridge (fewer
// channels to relocate); remaining ties break toward the
// lexicographically smaller bridge ID, purely for determinism.
func mergeDirection(a, b *Bridge) (survivor, absorbed *Bridge) {
	pa, pb := a.vtable.GetMergePriority(a), b.vtable.GetMergePriority(b)
	if pa != pb {
		if pa > pb {
			return a, b
		}
		return b, a
	}
	if len(a.channels) != len(b.channels) {
		if len(a.channels) > len(b.channels) {
			return a, b
		}
		return b, a
	}
	if a.ID.String() <= b.ID.String() {
		return a, b
	}
	return b, a
}
