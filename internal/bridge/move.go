package bridge

// Move relocates c from its current bridge into dst, optionally swapping
// out swap in the same step (§4.7). Both bridge locks are held for the
// duration so no other operation can observe c as a member of neither
// bridge, or of both.
func Move(c *BridgeChannel, dst *Bridge, swap *BridgeChannel) error {
	src := c.Bridge()
	if src == nil {
		return ErrNotInBridge
	}
	if src == dst {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	flags := c.Features.Flags
	c.mu.Unlock()
	if flags.Has(ChanFlagImmovable) {
		return ErrInhibited
	}
	if src.Flags.Has(FlagMasqueradeOnly) || dst.Flags.Has(FlagMasqueradeOnly) {
		return ErrInhibited
	}

	unlock := lockTwo(src, dst)

	if src.dissolved || dst.dissolved {
		unlock()
		return ErrDissolved
	}
	if src.mergeInhibit != 0 || dst.mergeInhibit != 0 {
		unlock()
		return ErrInhibited
	}
	// The swap-inhibit flags gate only the swap-to-peer-bridge
	// optimization (moving c into dst while bumping an existing dst
	// member, §4.7/§4.8) — not a plain relocate. A plain Move (swap ==
	// nil), such as retrieving a parked call, is unaffected even when
	// the bridges carry these flags.
	if swap != nil {
		if src.Flags.Has(FlagSwapInhibitFrom) || dst.Flags.Has(FlagSwapInhibitTo) {
			unlock()
			return ErrInhibited
		}
		if src.Flags.Has(FlagTransferBridgeOnly) != dst.Flags.Has(FlagTransferBridgeOnly) {
			unlock()
			return ErrInhibited
		}
	}

	pullEvents, _ := src.pullLocked(c)
	src.reconfigureLocked()

	pushEvents, err := dst.pushLocked(c, swap)
	if err != nil {
		// best effort: put c back where it was rather than strand it
		src.pushLocked(c, nil)
		src.reconfigureLocked()
		unlock()
		return err
	}
	dst.reconfigureLocked()

	unlock()

	c.Features.RunMoveHooks(c, src, dst)
	for _, ev := range pullEvents {
		src.bus.Publish(ev)
	}
	for _, ev := range pushEvents {
		dst.bus.Publish(ev)
	}
	return nil
}
