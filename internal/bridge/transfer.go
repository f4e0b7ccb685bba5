package bridge

// ParkDiversionHook lets a host integration redirect a blind transfer
// whose destination extension resolves to the Park application into
// call parking instead of an ordinary dialplan goto (§4.7, §4.9).
// BlindTransfer consults it only when dp.AppOnExtension reports
// ParkApplicationName; a nil hook simply disables the diversion, so the
// transfer instead proceeds as an ordinary goto into the Park
// extension (which most dialplans route to parking on their own).
type ParkDiversionHook interface {
	Park(c *BridgeChannel, app string, args []string) error
}

// BlindTransfer resolves exten@ctx through dp and, if it exists, sends c
// there via an asynchronous dialplan goto and removes c from its bridge
// (§4.7). If the resolved extension's application is exactly Park and a
// ParkDiversionHook is supplied, the transfer is diverted straight into
// parking instead of a dialplan goto. The remaining bridge members are
// left to the bridge's normal dissolve-on-pull rules (§4.4).
func BlindTransfer(c *BridgeChannel, dp DialplanHook, ctx, exten string, priority int, park ParkDiversionHook) error {
	if dp == nil {
		return ErrInvalidArgument
	}
	if !dp.Exists(ctx, exten, priority) {
		return ErrInvalidArgument
	}

	ep := c.Endpoint()
	ep.SetVariable("BLINDTRANSFER", exten)

	if park != nil {
		if app, args := dp.AppOnExtension(ctx, exten, priority); app == ParkApplicationName {
			if err := park.Park(c, app, args); err != nil {
				return err
			}
			c.LeaveBridge(CauseNormalClearing)
			return nil
		}
	}

	if err := dp.AsyncGoto(ep, ctx, exten, priority); err != nil {
		return err
	}
	c.LeaveBridge(CauseNormalClearing)
	return nil
}

// AttendedTransfer merges the transferring channel's two calls (the
// original bridge and the consultation bridge reached while the
// original call was held) into one bridge and removes the transferer,
// leaving the two remaining parties bridged together (§4.7). If both
// channels are already in the same bridge (transferer completed the
// consult call directly into the original bridge), this degenerates to
// simply kicking the transferer.
func AttendedTransfer(transferer, consult *BridgeChannel) error {
	orig := transferer.Bridge()
	other := consult.Bridge()
	if orig == nil || other == nil {
		return ErrNotInBridge
	}

	if orig == other {
		transferer.LeaveBridge(CauseNormalClearing)
		return nil
	}

	if err := Merge(orig, other); err != nil {
		return err
	}
	transferer.LeaveBridge(CauseNormalClearing)
	return nil
}
