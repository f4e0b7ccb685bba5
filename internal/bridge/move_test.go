package bridge

import "testing"

func TestMoveRelocatesChannelBetweenBridges(t *testing.T) {
	src, _ := newTestBridge(t, CapMultiMix, FlagDissolveEmpty)
	dst, dstTech := newTestBridge(t, CapMultiMix, FlagDissolveEmpty)

	c := NewBridgeChannel(newFakeEndpoint("a"), nil)
	if err := src.Push(c, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	src.Reconfigure()

	if err := Move(c, dst, nil); err != nil {
		t.Fatalf("move: %v", err)
	}

	if src.NumChannels() != 0 {
		t.Fatalf("expected source bridge empty after move, got %d", src.NumChannels())
	}
	if !src.Dissolved() {
		t.Fatal("expected source bridge to dissolve once emptied by the move")
	}
	if dst.NumChannels() != 1 {
		t.Fatalf("expected destination bridge to have 1 member, got %d", dst.NumChannels())
	}

	dst.Reconfigure()
	if len(dstTech.joined) != 1 {
		t.Fatal("expected destination technology to complete the join")
	}
}

func TestMoveRejectsImmovableChannel(t *testing.T) {
	src, _ := newTestBridge(t, CapMultiMix, 0)
	dst, _ := newTestBridge(t, CapMultiMix, 0)

	c := NewBridgeChannel(newFakeEndpoint("a"), nil)
	c.Features.Flags |= ChanFlagImmovable
	if err := src.Push(c, nil); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := Move(c, dst, nil); err != ErrInhibited {
		t.Fatalf("expected ErrInhibited for immovable channel, got %v", err)
	}
}
