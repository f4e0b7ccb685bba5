package bridge

import (
	"context"
	"time"
)

// dequeuePollInterval bounds how long the join loop sleeps when a DTMF
// sequence is being collected and the only pending frame is a deferred
// bridge action (§4.2 step 4: "sleep briefly and retry").
const dequeuePollInterval = time.Millisecond

// Join runs c's owner loop until c leaves WAIT state (§4.2
// "internal_join"). It is meant to be run on its own goroutine, one per
// BridgeChannel, for the lifetime of that channel's bridge membership.
// ctx cancellation is treated the same as the endpoint hanging up: the
// loop exits and cleans up.
func (c *BridgeChannel) Join(ctx context.Context) {
	defer close(c.done)

	c.Features.DrainJoinHooks(c, c.Bridge())

	for {
		if c.State() != StateWait {
			break
		}

		b := c.Bridge()
		if b == nil {
			break
		}

		if !c.runOnce(ctx, b) {
			break
		}
	}

	c.exitCleanup()
}

// runOnce executes one iteration of the join-loop select (§4.2 steps
// 2-3): wait for the endpoint to have a frame, the channel to be poked,
// or the nearest interval hook to trip, then dispatch. Returns false if
// the caller should stop looping (context cancelled or endpoint gone).
func (c *BridgeChannel) runOnce(ctx context.Context, b *Bridge) bool {
	timeout := c.nextTimeout()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.leaveBridge(StateEnd, CauseNormalClearing)
		return false

	case <-c.ep.AlertFD():
		c.dispatchEndpointFrames(b)

	case <-c.Wake():
		c.dispatchQueuedFrames(b)

	case <-timer.C:
		c.dispatchTimeouts(b)
	}

	return true
}

// nextTimeout computes how long to block before re-checking interval
// hooks and the DTMF interdigit deadline, whichever is sooner.
func (c *BridgeChannel) nextTimeout() time.Duration {
	const maxWait = 500 * time.Millisecond
	wait := maxWait

	if trip, ok := c.Features.NextIntervalTrip(); ok {
		if d := time.Until(trip); d < wait {
			wait = d
		}
	}
	if deadline, ok := c.dtmfDeadline(); ok {
		if d := time.Until(deadline); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// dispatchEndpointFrames reads and routes frames produced by the
// endpoint into the bridge's mixing technology (§4.2 step 2: "read ->
// tech.write"), handling DTMF begin/end locally for the match buffer.
func (c *BridgeChannel) dispatchEndpointFrames(b *Bridge) {
	for {
		f, err := c.ep.Read(context.Background(), c.Suspended())
		if err != nil || f == nil {
			c.leaveBridge(StateEnd, CauseNormalClearing)
			return
		}

		switch f.Type {
		case FrameDTMFBegin:
			if payload, ok := f.Data.(DTMFPayload); ok {
				c.handleDTMFBegin(b, payload.Digit)
			}
		case FrameDTMFEnd:
			if payload, ok := f.Data.(DTMFPayload); ok {
				c.handleDTMFEnd(b, payload.Digit)
			}
		default:
			c.Features.RunTalkHooks(c, f.Type == FrameVoice)
			_ = b.tech.Write(b, c, *f)
		}

		if !c.ep.HasQueuedReadFrames() {
			return
		}
	}
}

// handleDTMFBegin decides whether digit might be starting or continuing
// a feature code (§4.2 step 3, §4.5). Matching itself happens on the
// matching END, mirroring bridge_handle_dtmf: a BEGIN that could be part
// of a sequence is withheld silently (nothing is appended or passed
// through yet); a BEGIN that plainly is not is passed straight through.
func (c *BridgeChannel) handleDTMFBegin(b *Bridge, digit byte) {
	if len(c.dtmfCollected()) > 0 || c.dtmfIsCandidate(string(digit)) {
		return
	}
	if c.Features.DTMFPassthrough {
		_ = b.tech.Write(b, c, Frame{Type: FrameDTMFBegin, Data: DTMFPayload{Digit: digit}})
	}
}

// handleDTMFEnd performs the actual feature-code matching (§4.2 step 3,
// §4.5): append the digit, then exact-match (fire the hook and clear),
// prefix-match (keep collecting and re-arm the interdigit deadline), or
// flush (clear and, if passthrough is enabled, emit the withheld
// BEGIN/END pair for every digit collected so far — nothing reached the
// mix for any of them while they were being evaluated).
func (c *BridgeChannel) handleDTMFEnd(b *Bridge, digit byte) {
	if len(c.dtmfCollected()) == 0 && !c.dtmfIsCandidate(string(digit)) {
		if c.Features.DTMFPassthrough {
			_ = b.tech.Write(b, c, Frame{Type: FrameDTMFEnd, Data: DTMFPayload{Digit: digit}})
		}
		return
	}

	collected := c.dtmfAppend(digit)

	if hook, ok := c.Features.MatchExact(collected); ok {
		c.dtmfClear()
		if !c.Features.AllowDTMFDispatch() {
			return
		}
		runHookSuspended(b, c, hook.Options, func() {
			b.metrics.dtmfHookFired()
			if hook.Callback != nil {
				hook.Callback(c, collected)
			}
		})
		return
	}
	if c.Features.MatchesPrefix(collected) {
		c.dtmfArmDeadline(Now().Add(c.Features.DigitTimeout))
		return
	}

	c.dtmfFlush(b, collected)
}

// dtmfIsCandidate reports whether s could still grow into, or already
// is, a registered feature code — an exact match counts as much as a
// strict prefix, since a single-digit hook must be withheld on its own
// BEGIN just like a longer sequence's first digit is.
func (c *BridgeChannel) dtmfIsCandidate(s string) bool {
	if _, ok := c.Features.MatchExact(s); ok {
		return true
	}
	return c.Features.MatchesPrefix(s)
}

// dtmfFlush clears the collection buffer and, if passthrough is
// enabled, replays the withheld BEGIN/END frame pair for every digit in
// collected — none of them were streamed to the mix while a feature
// match was still possible.
func (c *BridgeChannel) dtmfFlush(b *Bridge, collected string) {
	c.dtmfClear()
	if collected == "" || !c.Features.DTMFPassthrough {
		return
	}
	for i := 0; i < len(collected); i++ {
		_ = b.tech.Write(b, c, Frame{Type: FrameDTMFBegin, Data: DTMFPayload{Digit: collected[i]}})
		_ = b.tech.Write(b, c, Frame{Type: FrameDTMFEnd, Data: DTMFPayload{Digit: collected[i]}})
	}
}

// dispatchQueuedFrames drains the write queue honoring the DTMF
// deferral rule (§4.2 step 4, §4.1).
func (c *BridgeChannel) dispatchQueuedFrames(b *Bridge) {
	for {
		f, ok := c.dequeue()
		if !ok {
			if c.queueLen() == 0 {
				return
			}
			time.Sleep(dequeuePollInterval)
			continue
		}
		c.deliverFrame(b, f)
	}
}

func (c *BridgeChannel) deliverFrame(b *Bridge, f Frame) {
	switch f.Type {
	case FrameBridgeAction:
		if p, ok := f.Data.(*BridgeActionPayload); ok && p.Run != nil {
			p.Run(b)
		}
	case FrameBridgeActionSync:
		if p, ok := f.Data.(*BridgeActionPayload); ok && p.Run != nil {
			p.Run(b)
		}
		if f.sync != nil {
			f.sync.Post()
		}
	case FrameNull:
		// wakes the loop; nothing else to do.
	default:
		_ = c.ep.Write(f)
	}
}

// dispatchTimeouts fires due interval hooks and the DTMF interdigit
// timeout (§4.2 step 3, §4.5).
func (c *BridgeChannel) dispatchTimeouts(b *Bridge) {
	now := Now()

	for _, h := range c.Features.PopDueIntervalHooks(now) {
		action := IntervalKeep
		if h.Callback != nil {
			runHookSuspended(b, c, h.Options, func() {
				action = h.Callback(c)
			})
		}
		switch action {
		case IntervalRemove:
			// already popped; nothing further.
		default:
			c.Features.Reschedule(h, now)
		}
	}

	if deadline, ok := c.dtmfDeadline(); ok && !now.Before(deadline) {
		c.dtmfFlush(b, c.dtmfCollected())
	}
}

// exitCleanup implements §4.2's loop-exit sequence: run hangup hooks,
// then leave hooks, pull from the bridge, let the bridge reconfigure,
// and finally settle owed DTMF/T.38 events.
func (c *BridgeChannel) exitCleanup() {
	b := c.Bridge()
	c.Features.RunHangupHooks(c, b)

	if b == nil {
		return
	}
	c.Features.DrainLeaveHooks(c, b)
	b.Pull(c)
	_ = b.Reconfigure()

	if digit, had := c.clearOwedDTMF(); had {
		_ = c.ep.DTMFStream(string(digit))
	}
	if c.clearOwedT38Terminate() {
		_ = c.ep.Indicate(ControlReadAction, nil)
	}
}
