package bridge

import (
	"context"
	"testing"
	"time"
)

func newJoinTestChannel(t *testing.T, b *Bridge) (*BridgeChannel, *fakeEndpoint) {
	t.Helper()
	ep := newFakeEndpoint("c")
	c := NewBridgeChannel(ep, nil)
	if err := b.Push(c, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	return c, ep
}

func TestHandleDTMFExactMatchFiresOnlyOnEnd(t *testing.T) {
	b, tech := newTestBridge(t, CapHolding, 0)
	c, _ := newJoinTestChannel(t, b)

	var fired []string
	c.Features.AddDTMFHook(&DTMFHook{
		Code: "1",
		Callback: func(ch *BridgeChannel, collected string) HookAction {
			fired = append(fired, collected)
			return HookKeep
		},
	})

	c.handleDTMFBegin(b, '1')
	if len(fired) != 0 {
		t.Fatalf("exact-match hook must not fire on BEGIN, fired=%v", fired)
	}
	if len(tech.written) != 0 {
		t.Fatalf("BEGIN of a candidate digit must not reach the mix, got %v", tech.written)
	}

	c.handleDTMFEnd(b, '1')
	if len(fired) != 1 || fired[0] != "1" {
		t.Fatalf("expected exactly one hook fire with \"1\", got %v", fired)
	}
	if len(tech.written) != 0 {
		t.Fatalf("a consumed hook must never stream to the mix, got %v", tech.written)
	}
	if got := c.dtmfCollected(); got != "" {
		t.Fatalf("expected match buffer cleared after fire, got %q", got)
	}
}

func TestHandleDTMFNonCandidatePassesThroughBothFrames(t *testing.T) {
	b, tech := newTestBridge(t, CapHolding, 0)
	c, _ := newJoinTestChannel(t, b)
	c.Features.DTMFPassthrough = true

	c.Features.AddDTMFHook(&DTMFHook{Code: "9", Callback: func(*BridgeChannel, string) HookAction { return HookKeep }})

	c.handleDTMFBegin(b, '5')
	c.handleDTMFEnd(b, '5')

	if len(tech.written) != 2 {
		t.Fatalf("expected BEGIN+END passthrough for a non-candidate digit, got %v", tech.written)
	}
	if tech.written[0].Type != FrameDTMFBegin || tech.written[1].Type != FrameDTMFEnd {
		t.Fatalf("expected BEGIN then END, got %v", tech.written)
	}
}

func TestHandleDTMFPrefixThenFlushReplaysWithheldFrames(t *testing.T) {
	b, tech := newTestBridge(t, CapHolding, 0)
	c, _ := newJoinTestChannel(t, b)
	c.Features.DTMFPassthrough = true

	// "12" is registered so "1" alone is a strict prefix candidate; "13"
	// never matches or extends into anything, so it must flush.
	c.Features.AddDTMFHook(&DTMFHook{Code: "12", Callback: func(*BridgeChannel, string) HookAction { return HookKeep }})

	c.handleDTMFBegin(b, '1')
	c.handleDTMFEnd(b, '1')
	if len(tech.written) != 0 {
		t.Fatalf("a live prefix candidate must not reach the mix yet, got %v", tech.written)
	}
	if _, ok := c.dtmfDeadline(); !ok {
		t.Fatal("expected interdigit deadline armed after a prefix match")
	}

	c.handleDTMFBegin(b, '3')
	c.handleDTMFEnd(b, '3')

	if len(tech.written) != 4 {
		t.Fatalf("expected the withheld BEGIN/END pair for both digits replayed on flush, got %v", tech.written)
	}
	want := []FrameType{FrameDTMFBegin, FrameDTMFEnd, FrameDTMFBegin, FrameDTMFEnd}
	for i, ft := range want {
		if tech.written[i].Type != ft {
			t.Fatalf("frame %d: want %v got %v", i, ft, tech.written[i].Type)
		}
	}
	if got := c.dtmfCollected(); got != "" {
		t.Fatalf("expected buffer cleared after flush, got %q", got)
	}
}

func TestDispatchTimeoutsFlushesOnInterdigitDeadline(t *testing.T) {
	b, tech := newTestBridge(t, CapHolding, 0)
	c, _ := newJoinTestChannel(t, b)
	c.Features.DTMFPassthrough = true
	c.Features.AddDTMFHook(&DTMFHook{Code: "12", Callback: func(*BridgeChannel, string) HookAction { return HookKeep }})

	c.handleDTMFBegin(b, '1')
	c.handleDTMFEnd(b, '1')
	c.dtmfArmDeadline(Now().Add(-time.Millisecond)) // force the deadline into the past

	c.dispatchTimeouts(b)

	if len(tech.written) != 2 {
		t.Fatalf("expected withheld BEGIN/END for the single collected digit, got %v", tech.written)
	}
	if _, ok := c.dtmfDeadline(); ok {
		t.Fatal("expected deadline cleared after timeout flush")
	}
}

func TestDispatchTimeoutsSuspendsMediaAroundIntervalHook(t *testing.T) {
	b, _ := newTestBridge(t, CapHolding, 0)
	c, _ := newJoinTestChannel(t, b)

	var sawSuspended bool
	c.Features.AddIntervalHook(func(ch *BridgeChannel) IntervalAction {
		sawSuspended = ch.Suspended()
		return IntervalRemove
	}, 1, OptionMedia)

	// force the hook due by back-dating it through PopDueIntervalHooks
	// indirectly: dispatchTimeouts uses Now(), so give it a moment.
	time.Sleep(2 * time.Millisecond)
	c.dispatchTimeouts(b)

	if !sawSuspended {
		t.Fatal("expected channel to be suspended while an OptionMedia interval hook ran")
	}
	if c.Suspended() {
		t.Fatal("expected channel unsuspended again after the hook returned")
	}
}

func TestJoinDrainsJoinHooksThenExitsOnContextCancel(t *testing.T) {
	b, _ := newTestBridge(t, CapHolding, 0)
	c, ep := newJoinTestChannel(t, b)

	joined := false
	c.Features.AddJoinHook(func(ch *BridgeChannel) HookAction {
		joined = true
		return HookKeep
	}, 0, 0)

	ep.hungUp = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Join(ctx)
		close(done)
	}()

	// Cancelling the context wakes the loop on ctx.Done(), and it exits.
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after context cancellation")
	}

	if !joined {
		t.Fatal("expected join hooks to have run before the loop started")
	}
	if c.InBridge() {
		t.Fatal("expected the channel to be pulled from the bridge on exit")
	}
}
