package bridge

import "testing"

func TestMergeAbsorbsSmallerBridgeIntoLarger(t *testing.T) {
	big, bigTech := newTestBridge(t, CapMultiMix, 0)
	small, _ := newTestBridge(t, CapMultiMix, 0)

	for _, id := range []string{"a", "b"} {
		c := NewBridgeChannel(newFakeEndpoint(id), nil)
		if err := big.Push(c, nil); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	c3 := NewBridgeChannel(newFakeEndpoint("c"), nil)
	if err := small.Push(c3, nil); err != nil {
		t.Fatalf("push c: %v", err)
	}

	if err := Merge(small, big); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if !small.Dissolved() {
		t.Fatal("expected the smaller bridge to be dissolved after merge")
	}
	if big.NumChannels() != 3 {
		t.Fatalf("expected survivor to hold all 3 members, got %d", big.NumChannels())
	}

	big.Reconfigure()
	if len(bigTech.joined) != 3 {
		t.Fatalf("expected all 3 members joined to the survivor's technology, got %d", len(bigTech.joined))
	}
}

func TestMergeHonorsInhibitFlags(t *testing.T) {
	a, _ := newTestBridge(t, CapMultiMix, FlagMergeInhibitTo)
	b, _ := newTestBridge(t, CapMultiMix, 0)

	// Give "a" strictly more members so mergeDirection's membership-count
	// tiebreak deterministically makes it the survivor regardless of
	// UUID ordering, isolating the assertion to the inhibit check.
	if err := a.Push(NewBridgeChannel(newFakeEndpoint("x"), nil), nil); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := Merge(a, b); err != ErrInhibited {
		t.Fatalf("expected ErrInhibited, got %v", err)
	}
}
