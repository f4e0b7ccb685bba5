package parking

import (
	"context"
	"testing"
	"time"

	"github.com/flowpbx/flowpbx/internal/bridge"
)

type fakeEndpoint struct {
	id   string
	vars map[string]string
}

func newFakeEndpoint(id string) *fakeEndpoint { return &fakeEndpoint{id: id, vars: map[string]string{}} }

func (e *fakeEndpoint) ID() string { return e.id }
func (e *fakeEndpoint) Read(ctx context.Context, noAudio bool) (*bridge.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (e *fakeEndpoint) Write(bridge.Frame) error                        { return nil }
func (e *fakeEndpoint) Indicate(bridge.ControlSubclass, any) error      { return nil }
func (e *fakeEndpoint) SetReadFormat(bridge.Format) error               { return nil }
func (e *fakeEndpoint) SetWriteFormat(bridge.Format) error              { return nil }
func (e *fakeEndpoint) ReadFormat() bridge.Format                       { return nil }
func (e *fakeEndpoint) WriteFormat() bridge.Format                      { return nil }
func (e *fakeEndpoint) NativeFormats() bridge.FormatCapabilities        { return nil }
func (e *fakeEndpoint) AlertFD() <-chan struct{}                        { return make(chan struct{}) }
func (e *fakeEndpoint) Lock()                                           {}
func (e *fakeEndpoint) Unlock()                                         {}
func (e *fakeEndpoint) TryLock() bool                                   { return true }
func (e *fakeEndpoint) IsZombie() bool                                  { return false }
func (e *fakeEndpoint) IsHungUp() bool                                  { return false }
func (e *fakeEndpoint) HasOutgoingFlag() bool                           { return false }
func (e *fakeEndpoint) ClearOutgoingFlag()                              {}
func (e *fakeEndpoint) HasEmulateDTMF() bool                            { return false }
func (e *fakeEndpoint) HasActiveFramehook() bool                        { return false }
func (e *fakeEndpoint) HasQueuedReadFrames() bool                       { return false }
func (e *fakeEndpoint) GetVariable(name string) string                  { return e.vars[name] }
func (e *fakeEndpoint) SetVariable(name, value string)                  { e.vars[name] = value }
func (e *fakeEndpoint) Answer() error                                   { return nil }
func (e *fakeEndpoint) DTMFStream(string) error                         { return nil }
func (e *fakeEndpoint) SetAfterBridgeGoto(ctx, exten string, pri int)    {}
func (e *fakeEndpoint) SetAfterBridgeCallback(cb func())                {}

func newTestLot(t *testing.T) *ParkingLot {
	t.Helper()
	reg := bridge.NewTechnologyRegistry()
	lot, err := NewParkingLot(LotConfig{
		Name:       "default",
		Context:    "parkedcalls",
		StartSpace: 701,
		StopSpace:  703,
	}, reg, bridge.NewBridgeRegistry(), nil, bridge.NopEventBus{}, nil)
	if err != nil {
		t.Fatalf("new lot: %v", err)
	}
	return lot
}

func TestParkAllocatesSpaceAndPushesIntoLotBridge(t *testing.T) {
	lot := newTestLot(t)
	c := bridge.NewBridgeChannel(newFakeEndpoint("caller"), nil)

	pu, err := Park(lot, c, "parker1", bridge.NopEventBus{})
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if pu.Space < 701 || pu.Space > 703 {
		t.Fatalf("space %d out of configured range", pu.Space)
	}
	if !c.InBridge() {
		t.Fatal("expected parked channel to be a member of the lot bridge")
	}
	if got, ok := lot.Lookup(pu.Space); !ok || got != pu {
		t.Fatal("expected lot to track the parked user by space")
	}
}

func TestSpaceAllocationWrapsAndRejectsWhenFull(t *testing.T) {
	lot := newTestLot(t)
	var spaces []int
	for i := 0; i < 3; i++ {
		c := bridge.NewBridgeChannel(newFakeEndpoint(string(rune('a'+i))), nil)
		pu, err := Park(lot, c, "parker1", bridge.NopEventBus{})
		if err != nil {
			t.Fatalf("park %d: %v", i, err)
		}
		spaces = append(spaces, pu.Space)
	}
	if spaces[0] == spaces[1] || spaces[1] == spaces[2] || spaces[0] == spaces[2] {
		t.Fatalf("expected 3 distinct spaces, got %v", spaces)
	}

	overflow := bridge.NewBridgeChannel(newFakeEndpoint("overflow"), nil)
	if _, err := Park(lot, overflow, "parker1", bridge.NopEventBus{}); err == nil {
		t.Fatal("expected an error parking into a full lot")
	}
}

func TestRetrieveMovesChannelAndFreesSpace(t *testing.T) {
	lot := newTestLot(t)
	c := bridge.NewBridgeChannel(newFakeEndpoint("caller"), nil)
	pu, err := Park(lot, c, "parker1", bridge.NopEventBus{})
	if err != nil {
		t.Fatalf("park: %v", err)
	}

	reg := bridge.NewTechnologyRegistry()
	reg.Register(&acceptAllTech{})
	dst, err := bridge.NewBridge(bridge.Options{AllowedCaps: bridge.CapHolding, TechRegistry: reg})
	if err != nil {
		t.Fatalf("new dst bridge: %v", err)
	}

	if err := Retrieve(pu, dst); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if pu.Resolution() != ResolutionAnswered {
		t.Fatalf("expected resolution ANSWERED, got %v", pu.Resolution())
	}
	if _, ok := lot.Lookup(pu.Space); ok {
		t.Fatal("expected space to be freed after retrieve")
	}
	if !c.InBridge() || dst.NumChannels() != 1 {
		t.Fatal("expected channel moved into destination bridge")
	}

	// A second retrieve attempt must fail: resolution is already set.
	if err := Retrieve(pu, dst); err != bridge.ErrWrongState {
		t.Fatalf("expected ErrWrongState on double-retrieve, got %v", err)
	}
}

func TestParkTimeoutFiresInterval(t *testing.T) {
	lot := newTestLot(t)
	lot.cfg.ParkTimeout = 10 * time.Millisecond
	c := bridge.NewBridgeChannel(newFakeEndpoint("caller"), nil)

	pu, err := Park(lot, c, "parker1", bridge.NopEventBus{})
	if err != nil {
		t.Fatalf("park: %v", err)
	}

	due := c.Features.PopDueIntervalHooks(time.Now().Add(20 * time.Millisecond))
	if len(due) != 1 {
		t.Fatalf("expected the timeout hook to be due, got %d hooks", len(due))
	}
	due[0].Callback(c)

	if pu.Resolution() != ResolutionTimeout {
		t.Fatalf("expected resolution TIMEOUT, got %v", pu.Resolution())
	}
}

func TestAbandonFiresOnLeaveWithNoResolution(t *testing.T) {
	lot := newTestLot(t)
	c := bridge.NewBridgeChannel(newFakeEndpoint("caller"), nil)

	pu, err := Park(lot, c, "parker1", bridge.NopEventBus{})
	if err != nil {
		t.Fatalf("park: %v", err)
	}

	// Simulate the join loop's exit-cleanup sequence for an unprompted
	// hangup: leave hooks run while the channel is still a lot-bridge
	// member, before the bridge's own pull happens.
	c.Features.DrainLeaveHooks(c, lot.Bridge())

	if pu.Resolution() != ResolutionAbandoned {
		t.Fatalf("expected resolution ABANDONED, got %v", pu.Resolution())
	}
	if _, ok := lot.Lookup(pu.Space); ok {
		t.Fatal("expected space to be freed after abandon")
	}
}

func TestAbandonDoesNotFireAfterRetrieve(t *testing.T) {
	lot := newTestLot(t)
	c := bridge.NewBridgeChannel(newFakeEndpoint("caller"), nil)
	pu, err := Park(lot, c, "parker1", bridge.NopEventBus{})
	if err != nil {
		t.Fatalf("park: %v", err)
	}

	reg := bridge.NewTechnologyRegistry()
	reg.Register(&acceptAllTech{})
	dst, err := bridge.NewBridge(bridge.Options{AllowedCaps: bridge.CapHolding, TechRegistry: reg})
	if err != nil {
		t.Fatalf("new dst bridge: %v", err)
	}
	if err := Retrieve(pu, dst); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	// The leave hook registered at Park time is still attached to c's
	// FeatureSet (Move doesn't drain it on relocation); it must be a
	// no-op once a resolution is already set.
	c.Features.DrainLeaveHooks(c, dst)

	if pu.Resolution() != ResolutionAnswered {
		t.Fatalf("resolution changed after already-resolved leave hook fired: %v", pu.Resolution())
	}
}

// acceptAllTech is a trivial Technology used only so NewBridge succeeds
// for the retrieve destination in tests.
type acceptAllTech struct{}

func (acceptAllTech) Name() string                              { return "accept-all" }
func (acceptAllTech) Capabilities() bridge.Capability            { return bridge.CapHolding }
func (acceptAllTech) Preference() int                            { return 1 }
func (acceptAllTech) FormatCapabilities() bridge.FormatCapabilities { return nil }
func (acceptAllTech) Create(*bridge.Bridge) error                { return nil }
func (acceptAllTech) Destroy(*bridge.Bridge)                     {}
func (acceptAllTech) Start(*bridge.Bridge) error                 { return nil }
func (acceptAllTech) Stop(*bridge.Bridge)                        {}
func (acceptAllTech) Join(*bridge.Bridge, *bridge.BridgeChannel) error { return nil }
func (acceptAllTech) Leave(*bridge.Bridge, *bridge.BridgeChannel)      {}
func (acceptAllTech) Suspend(*bridge.Bridge, *bridge.BridgeChannel)    {}
func (acceptAllTech) Unsuspend(*bridge.Bridge, *bridge.BridgeChannel)  {}
func (acceptAllTech) Write(*bridge.Bridge, *bridge.BridgeChannel, bridge.Frame) error { return nil }
func (acceptAllTech) Compatible(*bridge.Bridge) bool             { return true }
