package bridge

import "testing"

func TestPushAddsChannelAndFiresBridgeEnter(t *testing.T) {
	b, tech := newTestBridge(t, CapMultiMix, FlagDissolveEmpty)
	ep := newFakeEndpoint("a")
	c := NewBridgeChannel(ep, nil)

	if err := b.Push(c, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	if b.NumChannels() != 1 {
		t.Fatalf("expected 1 channel, got %d", b.NumChannels())
	}
	if !c.InBridge() {
		t.Fatal("expected channel to report InBridge")
	}
	if len(tech.joined) != 0 {
		t.Fatal("tech.Join should only run after Reconfigure, not at Push time")
	}

	if err := b.Reconfigure(); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if len(tech.joined) != 1 || tech.joined[0] != c {
		t.Fatal("expected Reconfigure to complete the join")
	}
}

func TestPushRejectsWrongState(t *testing.T) {
	b, _ := newTestBridge(t, CapMultiMix, 0)
	ep := newFakeEndpoint("a")
	c := NewBridgeChannel(ep, nil)
	c.Kick(CauseNormalClearing) // state -> END, no longer WAIT

	if err := b.Push(c, nil); err != ErrWrongState {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestPullRemovesChannelAndDissolveEmptyFiresOnLastMember(t *testing.T) {
	b, _ := newTestBridge(t, CapMultiMix, FlagDissolveEmpty)
	ep := newFakeEndpoint("a")
	c := NewBridgeChannel(ep, nil)
	if err := b.Push(c, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	b.Reconfigure()

	b.Pull(c)
	if b.NumChannels() != 0 {
		t.Fatalf("expected 0 channels after pull, got %d", b.NumChannels())
	}
	if !b.Dissolved() {
		t.Fatal("expected bridge to dissolve once empty")
	}
}

func TestDissolveHangupFlagDissolvesOnEndState(t *testing.T) {
	b, _ := newTestBridge(t, CapMultiMix, FlagDissolveHangup)
	ep1 := newFakeEndpoint("a")
	ep2 := newFakeEndpoint("b")
	c1 := NewBridgeChannel(ep1, nil)
	c2 := NewBridgeChannel(ep2, nil)
	b.Push(c1, nil)
	b.Push(c2, nil)
	b.Reconfigure()

	c1.Kick(CauseNormalClearing) // state END, not END_NO_DISSOLVE
	b.Pull(c1)

	if !b.Dissolved() {
		t.Fatal("expected FlagDissolveHangup to dissolve the bridge on an END-state pull")
	}
	if c2.State() != StateEndNoDissolve {
		t.Fatalf("expected remaining member to be pushed to END_NO_DISSOLVE, got %v", c2.State())
	}
}

func TestSwapPushPullsPriorOccupant(t *testing.T) {
	b, _ := newTestBridge(t, CapMultiMix, 0)
	oldEp := newFakeEndpoint("old")
	newEp := newFakeEndpoint("new")
	oldC := NewBridgeChannel(oldEp, nil)
	newC := NewBridgeChannel(newEp, nil)

	if err := b.Push(oldC, nil); err != nil {
		t.Fatalf("push old: %v", err)
	}
	if err := b.Push(newC, oldC); err != nil {
		t.Fatalf("push new (swap): %v", err)
	}

	if oldC.InBridge() {
		t.Fatal("expected swapped-out channel to no longer be in the bridge")
	}
	if oldC.State() != StateEndNoDissolve {
		t.Fatalf("expected swapped-out channel state END_NO_DISSOLVE, got %v", oldC.State())
	}
	if b.NumChannels() != 1 {
		t.Fatalf("expected exactly 1 member after swap, got %d", b.NumChannels())
	}
}

func TestSmartReconfigureHotSwapsTechnology(t *testing.T) {
	reg := NewTechnologyRegistry()
	small := &fakeTech{name: "small", caps: CapNative | Cap1to1Mix, preference: 10}
	big := &fakeTech{name: "big", caps: CapMultiMix, preference: 10}
	reg.Register(small)
	reg.Register(big)

	b, err := NewBridge(Options{
		AllowedCaps:  CapNative | Cap1to1Mix | CapMultiMix,
		Flags:        FlagSmart,
		TechRegistry: reg,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if b.TechnologyName() != "small" {
		t.Fatalf("expected initial technology 'small' for an empty bridge, got %q", b.TechnologyName())
	}

	for _, id := range []string{"a", "b", "c"} {
		c := NewBridgeChannel(newFakeEndpoint(id), nil)
		if err := b.Push(c, nil); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	if err := b.Reconfigure(); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	if b.TechnologyName() != "big" {
		t.Fatalf("expected hot-swap to 'big' once a third member joined, got %q", b.TechnologyName())
	}
	if len(big.joined) != 3 {
		t.Fatalf("expected all 3 members joined to the new technology, got %d", len(big.joined))
	}
}
