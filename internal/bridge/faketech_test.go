package bridge

import "context"

// fakeEndpoint is a minimal in-memory bridge.Endpoint for exercising the
// core without any real media transport, matching the teacher's plain
// fake-collaborator style of testing (internal/media/session_test.go).
type fakeEndpoint struct {
	id        string
	vars      map[string]string
	outgoing  bool
	hungUp    bool
	written   []Frame
	alert     chan struct{}
	indicated []ControlSubclass
}

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{id: id, vars: make(map[string]string), alert: make(chan struct{})}
}

func (e *fakeEndpoint) ID() string { return e.id }

func (e *fakeEndpoint) Read(ctx context.Context, noAudio bool) (*Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (e *fakeEndpoint) Write(f Frame) error                  { e.written = append(e.written, f); return nil }
func (e *fakeEndpoint) Indicate(sub ControlSubclass, _ any) error { e.indicated = append(e.indicated, sub); return nil }

func (e *fakeEndpoint) SetReadFormat(Format) error  { return nil }
func (e *fakeEndpoint) SetWriteFormat(Format) error { return nil }
func (e *fakeEndpoint) ReadFormat() Format           { return nil }
func (e *fakeEndpoint) WriteFormat() Format          { return nil }
func (e *fakeEndpoint) NativeFormats() FormatCapabilities { return nil }

func (e *fakeEndpoint) AlertFD() <-chan struct{} { return e.alert }

func (e *fakeEndpoint) Lock()          {}
func (e *fakeEndpoint) Unlock()        {}
func (e *fakeEndpoint) TryLock() bool  { return true }

func (e *fakeEndpoint) IsZombie() bool            { return false }
func (e *fakeEndpoint) IsHungUp() bool            { return e.hungUp }
func (e *fakeEndpoint) HasOutgoingFlag() bool     { return e.outgoing }
func (e *fakeEndpoint) ClearOutgoingFlag()        { e.outgoing = false }
func (e *fakeEndpoint) HasEmulateDTMF() bool      { return false }
func (e *fakeEndpoint) HasActiveFramehook() bool  { return false }
func (e *fakeEndpoint) HasQueuedReadFrames() bool { return false }

func (e *fakeEndpoint) GetVariable(name string) string   { return e.vars[name] }
func (e *fakeEndpoint) SetVariable(name, value string)   { e.vars[name] = value }

func (e *fakeEndpoint) Answer() error               { return nil }
func (e *fakeEndpoint) DTMFStream(digits string) error { return nil }

func (e *fakeEndpoint) SetAfterBridgeGoto(ctx, exten string, priority int) {}
func (e *fakeEndpoint) SetAfterBridgeCallback(cb func())                  {}

// fakeTech is a minimal Technology usable as both the onetoone-like and
// multimix-like slot in tests, selectable by capability mask.
type fakeTech struct {
	name       string
	caps       Capability
	preference int
	joined     []*BridgeChannel
	left       []*BridgeChannel
	written    []Frame
	compatible func(*Bridge) bool
}

func (t *fakeTech) Name() string                           { return t.name }
func (t *fakeTech) Capabilities() Capability                { return t.caps }
func (t *fakeTech) Preference() int                         { return t.preference }
func (t *fakeTech) FormatCapabilities() FormatCapabilities { return nil }

func (t *fakeTech) Create(b *Bridge) error { return nil }
func (t *fakeTech) Destroy(b *Bridge)      {}
func (t *fakeTech) Start(b *Bridge) error  { return nil }
func (t *fakeTech) Stop(b *Bridge)         {}

func (t *fakeTech) Join(b *Bridge, c *BridgeChannel) error { t.joined = append(t.joined, c); return nil }
func (t *fakeTech) Leave(b *Bridge, c *BridgeChannel)      { t.left = append(t.left, c) }

func (t *fakeTech) Suspend(b *Bridge, c *BridgeChannel)   {}
func (t *fakeTech) Unsuspend(b *Bridge, c *BridgeChannel) {}

func (t *fakeTech) Write(b *Bridge, c *BridgeChannel, f Frame) error {
	t.written = append(t.written, f)
	return nil
}

func (t *fakeTech) Compatible(b *Bridge) bool {
	if t.compatible == nil {
		return true
	}
	return t.compatible(b)
}

func newTestBridge(t interface{ Helper() }, caps Capability, flags Flag) (*Bridge, *fakeTech) {
	reg := NewTechnologyRegistry()
	tech := &fakeTech{name: "fake", caps: caps, preference: 1}
	reg.Register(tech)

	b, err := NewBridge(Options{
		AllowedCaps:  caps,
		Flags:        flags,
		TechRegistry: reg,
	})
	if err != nil {
		panic(err)
	}
	return b, tech
}
