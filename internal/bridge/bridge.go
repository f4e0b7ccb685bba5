package bridge

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Bridge is an N-way mixing point (§3): an ordered set of BridgeChannels,
// a selected Technology, and the membership/feature bookkeeping shared by
// every bridge regardless of vtable. The bridge mutex serializes every
// structural change (push/pull/reconfigure/dissolve); BridgeChannel and
// Endpoint locks nest under it (§5 lock order).
type Bridge struct {
	mu sync.Mutex

	ID      uuid.UUID
	Name    string
	Creator string
	Cause   Cause

	constructionCompleted bool
	dissolved             bool
	reconfigured          bool

	channels  []*BridgeChannel
	numActive int
	numLonely int

	AllowedCaps Capability
	Flags       Flag

	tech    Technology
	techPvt any

	mergeInhibit int

	VideoMode         int
	SoftmixIntervalMS int
	SampleRate        int
	Binaural          bool

	vtable VTable

	techRegistry *TechnologyRegistry
	registry     *BridgeRegistry
	manager      *Manager
	bus          EventBus
	dialplan     DialplanHook

	actionQueue []func(*Bridge)

	log     *slog.Logger
	metrics *Metrics
}

// Options configures NewBridge.
type Options struct {
	ID           uuid.UUID // zero value: a new random UUID is generated
	Name         string
	Creator      string
	AllowedCaps  Capability
	Flags        Flag
	VTable       VTable // nil: BaseVTable{}
	TechRegistry *TechnologyRegistry
	Registry     *BridgeRegistry
	Manager      *Manager
	Bus          EventBus // nil: NopEventBus{}
	Dialplan     DialplanHook
	Log          *slog.Logger
	Metrics      *Metrics // nil: metrics calls are no-ops
}

// NewBridge performs alloc -> base_init -> tech.create -> tech.start ->
// register (§2 item 1) and returns a constructed, running Bridge.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.TechRegistry == nil {
		return nil, ErrInvalidArgument
	}

	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	vt := opts.VTable
	if vt == nil {
		vt = BaseVTable{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = NopEventBus{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("subsystem", "bridge", "bridge_id", id.String())

	b := &Bridge{
		ID:           id,
		Name:         opts.Name,
		Creator:      opts.Creator,
		AllowedCaps:  opts.AllowedCaps,
		Flags:        opts.Flags,
		vtable:       vt,
		techRegistry: opts.TechRegistry,
		registry:     opts.Registry,
		manager:      opts.Manager,
		bus:          bus,
		dialplan:     opts.Dialplan,
		log:          log,
		metrics:      opts.Metrics,
	}

	required := b.requiredCapability(0)
	tech, ok := opts.TechRegistry.Select(required, b)
	if !ok {
		return nil, ErrTechnologyUnavailable
	}
	b.tech = tech

	if err := tech.Create(b); err != nil {
		return nil, err
	}
	if err := tech.Start(b); err != nil {
		tech.Destroy(b)
		return nil, err
	}
	b.constructionCompleted = true

	if b.registry != nil {
		b.registry.register(b)
	}
	b.metrics.bridgeConstructed()
	log.Debug("bridge constructed", "technology", tech.Name())
	return b, nil
}

// --- read-only accessors -------------------------------------------------

func (b *Bridge) NumChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *Bridge) NumActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numActive
}

func (b *Bridge) NumLonely() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numLonely
}

func (b *Bridge) Dissolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dissolved
}

func (b *Bridge) TechnologyName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tech.Name()
}

// TechState returns the calling Technology's private state, as
// previously stored with SetTechState. Technology implementations live
// in their own packages (internal/bridge/techs/...), so this is the
// seam that gives them per-bridge storage without the core depending on
// any of them (§6).
func (b *Bridge) TechState() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.techPvt
}

// SetTechState stores v as the active Technology's private state.
func (b *Bridge) SetTechState(v any) {
	b.mu.Lock()
	b.techPvt = v
	b.mu.Unlock()
}

// Channels returns a snapshot of the current membership list in join
// order (§3: "an ordered list, not a set").
func (b *Bridge) Channels() []*BridgeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BridgeChannel, len(b.channels))
	copy(out, b.channels)
	return out
}

// requiredCapability implements the Smart-bridge technology requirement
// of §4.6: more than two members wants multi-mix, two or fewer wants
// native passthrough or 1:1 mixing. Falls back to multi-mix, then to
// whatever AllowedCaps actually permits, if the preferred set isn't
// available at all — the latter covers single-capability bridges like a
// parking lot's CapHolding-only bridge, which never goes through the
// member-count-driven preference at all.
func (b *Bridge) requiredCapability(memberCount int) Capability {
	var want Capability
	if memberCount > 2 {
		want = CapMultiMix
	} else {
		want = CapNative | Cap1to1Mix
	}
	want &= b.AllowedCaps
	if want == 0 {
		if b.AllowedCaps.Has(CapMultiMix) {
			want = CapMultiMix
		} else {
			want = b.AllowedCaps
		}
	}
	return want
}

// --- push / pull (§4.3) ---------------------------------------------------

// Push adds c to the bridge, optionally swapping out swap in the same
// structural step. The bridge mutex is held only for the duration of the
// structural change; event-bus publication happens after it is released
// (EventBus.Publish may block, and publishers must never hold a bridge
// lock while calling it).
func (b *Bridge) Push(c *BridgeChannel, swap *BridgeChannel) error {
	b.mu.Lock()
	events, err := b.pushLocked(c, swap)
	b.mu.Unlock()

	for _, ev := range events {
		b.bus.Publish(ev)
	}
	return err
}

func (b *Bridge) pushLocked(c *BridgeChannel, swap *BridgeChannel) ([]Event, error) {
	if b.dissolved {
		return nil, ErrDissolved
	}
	if c.State() != StateWait {
		return nil, ErrWrongState
	}
	if swap != nil && swap.State() != StateWait {
		return nil, ErrWrongState
	}

	if err := b.vtable.Push(b, c, swap); err != nil {
		c.Features.RemoveOnPull()
		return nil, err
	}

	c.mu.Lock()
	c.bridge = b
	c.inBridge = true
	c.justJoined = true
	flags := c.Features.Flags
	suspended := c.suspended
	c.mu.Unlock()

	b.channels = append(b.channels, c)
	if !suspended {
		b.numActive++
	}
	if flags.Has(ChanFlagLonely) {
		b.numLonely++
	}
	b.metrics.channelPushed()

	var events []Event
	events = append(events, Event{Kind: EventBridgeEnter, BridgeID: b.ID.String(), ChannelID: c.ep.ID()})

	if swap != nil {
		swap.leaveBridge(StateEndNoDissolve, CauseNormalClearing)
		more, _ := b.pullLocked(swap)
		events = append(events, more...)
	}

	c.ep.SetVariable("BLINDTRANSFER", "")
	c.ep.SetVariable("ATTENDEDTRANSFER", "")
	c.Enqueue(NewNullFrame())
	b.reconfigured = true

	return events, nil
}

// Pull removes c from the bridge. A no-op if c is not currently in this
// bridge.
func (b *Bridge) Pull(c *BridgeChannel) {
	b.mu.Lock()
	events, _ := b.pullLocked(c)
	b.mu.Unlock()

	for _, ev := range events {
		b.bus.Publish(ev)
	}
}

func (b *Bridge) pullLocked(c *BridgeChannel) ([]Event, error) {
	c.mu.Lock()
	inBridge := c.inBridge
	justJoined := c.justJoined
	suspended := c.suspended
	flags := c.Features.Flags
	c.mu.Unlock()

	if !inBridge {
		return nil, nil
	}

	if !justJoined {
		b.tech.Leave(b, c)
	}

	if !suspended {
		b.numActive--
	}
	if flags.Has(ChanFlagLonely) {
		b.numLonely--
	}

	for i, ch := range b.channels {
		if ch == c {
			b.channels = append(b.channels[:i:i], b.channels[i+1:]...)
			break
		}
	}

	leaverState := c.State()
	events := b.checkDissolveOnPull(leaverState, flags)

	b.vtable.Pull(b, c)

	c.mu.Lock()
	c.bridge = nil
	c.inBridge = false
	c.mu.Unlock()

	if leaverState != StateEnd && c.ep.HasOutgoingFlag() {
		c.ep.ClearOutgoingFlag()
	}

	b.reconfigured = true
	b.metrics.channelPulled()
	events = append(events, Event{Kind: EventBridgeLeave, BridgeID: b.ID.String(), ChannelID: c.ep.ID()})
	return events, nil
}

// checkDissolveOnPull implements §4.4's three dissolve-on-pull rules, in
// priority order: empty-bridge dissolve, hangup-triggered dissolve, and
// lonely-only kick (when every remaining member is lonely, the first
// of them in join order is kicked rather than the bridge dissolved).
func (b *Bridge) checkDissolveOnPull(leaverState State, leaverFlags ChannelFlag) []Event {
	if len(b.channels) == 0 && b.Flags.Has(FlagDissolveEmpty) {
		return b.dissolveLocked(CauseNormalClearing)
	}
	if leaverState == StateEnd && (b.Flags.Has(FlagDissolveHangup) || leaverFlags.Has(ChanFlagDissolveHangup)) {
		return b.dissolveLocked(CauseNormalClearing)
	}
	if b.numLonely > 0 && b.numLonely == len(b.channels) && len(b.channels) > 0 {
		b.channels[0].leaveBridge(StateEndNoDissolve, CauseNormalClearing)
	}
	return nil
}

// Dissolve ends the bridge: every member transitions to
// END_NO_DISSOLVE (so the bridge itself, not the member's hangup, is
// recorded as the reason) and the vtable's Dissolving hook runs
// deferred, off the bridge lock.
func (b *Bridge) Dissolve(cause Cause) {
	b.mu.Lock()
	events := b.dissolveLocked(cause)
	b.mu.Unlock()

	for _, ev := range events {
		b.bus.Publish(ev)
	}
}

func (b *Bridge) dissolveLocked(cause Cause) []Event {
	if b.dissolved {
		return nil
	}
	b.dissolved = true
	b.Cause = cause
	b.metrics.bridgeDissolved(cause)

	members := make([]*BridgeChannel, len(b.channels))
	copy(members, b.channels)
	for _, ch := range members {
		ch.leaveBridge(StateEndNoDissolve, cause)
	}

	b.enqueueActionLocked(func(bb *Bridge) { bb.vtable.Dissolving(bb) })

	if b.registry != nil {
		b.enqueueActionLocked(func(bb *Bridge) { bb.registry.unregister(bb) })
	}

	return []Event{{Kind: EventBridgeState, BridgeID: b.ID.String(), Data: map[string]any{"dissolved": true}}}
}

// --- reconfigure (§4.3) ---------------------------------------------------

// Reconfigure runs the deferred settle step after one or more push/pull
// calls: Smart-bridge technology re-selection (with hot-swap if the
// winning technology changed), completing newly-joined channels'
// tech.Join, and refreshing dialplan channel variables. It is a no-op if
// nothing changed since the last call.
func (b *Bridge) Reconfigure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconfigureLocked()
}

func (b *Bridge) reconfigureLocked() error {
	if !b.reconfigured {
		return nil
	}
	b.reconfigured = false

	techChanged := false
	if b.Flags.Has(FlagSmart) {
		required := b.requiredCapability(len(b.channels))
		newTech, ok := b.techRegistry.Select(required, b)
		if !ok {
			return ErrTechnologyUnavailable
		}
		if newTech.Name() != b.tech.Name() {
			techChanged = true
			if err := b.smartSwapLocked(newTech); err != nil {
				b.dissolveLocked(CauseNormalClearing)
				return err
			}
		}
	}

	b.completeJoinLocked()

	if !b.dissolved {
		b.updateChannelVarsLocked(techChanged)
	}
	return nil
}

// smartSwapLocked replaces the active technology: the old technology is
// stopped and every already-joined channel is handed to Leave on it, the
// new technology is created and started, and the old technology's
// Destroy is deferred off the bridge lock (§4.6 "technology hot-swap").
func (b *Bridge) smartSwapLocked(newTech Technology) error {
	oldTech, oldPvt := b.tech, b.techPvt

	// oldCarrier exposes the outgoing technology's own bridge-private
	// state to its Stop/Leave/Destroy without racing the live bridge
	// fields the new technology is about to own.
	oldCarrier := &Bridge{
		ID:          b.ID,
		AllowedCaps: b.AllowedCaps,
		Flags:       b.Flags,
		tech:        oldTech,
		techPvt:     oldPvt,
	}

	b.techPvt = nil
	b.tech = newTech
	if err := newTech.Create(b); err != nil {
		b.tech, b.techPvt = oldTech, oldPvt
		return err
	}

	oldTech.Stop(oldCarrier)
	for _, c := range b.channels {
		c.mu.Lock()
		justJoined := c.justJoined
		c.mu.Unlock()
		if !justJoined {
			oldTech.Leave(oldCarrier, c)
			c.mu.Lock()
			c.justJoined = true
			c.mu.Unlock()
		}
	}

	if err := newTech.Start(b); err != nil {
		return err
	}

	b.enqueueActionLocked(func(*Bridge) { oldTech.Destroy(oldCarrier) })
	b.metrics.technologyHotSwap()
	b.log.Info("technology hot-swap", "from", oldTech.Name(), "to", newTech.Name())
	return nil
}

// completeJoinLocked runs tech.Join for every channel still marked
// just-joined (freshly pushed, or bounced by a hot-swap), negotiating a
// compatible format first. A channel that cannot be made compatible is
// kicked with ErrIncompatible rather than failing the whole reconfigure
// (§4.6 "incompatible formats").
func (b *Bridge) completeJoinLocked() {
	members := make([]*BridgeChannel, len(b.channels))
	copy(members, b.channels)

	for _, c := range members {
		c.mu.Lock()
		justJoined := c.justJoined
		c.mu.Unlock()
		if !justJoined {
			continue
		}

		if err := b.joinChannelLocked(c); err != nil {
			b.log.Warn("channel incompatible with bridge technology, kicking", "channel", c.ep.ID(), "err", err)
			c.leaveBridge(StateEnd, CauseNormalClearing)
			continue
		}
		c.mu.Lock()
		c.justJoined = false
		c.mu.Unlock()
	}
}

func (b *Bridge) joinChannelLocked(c *BridgeChannel) error {
	if fc := b.tech.FormatCapabilities(); fc != nil {
		if rf := c.ep.ReadFormat(); rf == nil || !fc.Contains(rf) {
			best := fc.Best()
			if best == nil {
				return ErrIncompatible
			}
			if err := c.ep.SetReadFormat(best); err != nil {
				return ErrIncompatible
			}
		}
		if wf := c.ep.WriteFormat(); wf == nil || !fc.Contains(wf) {
			best := fc.Best()
			if best == nil {
				return ErrIncompatible
			}
			if err := c.ep.SetWriteFormat(best); err != nil {
				return ErrIncompatible
			}
		}
	}
	return b.tech.Join(b, c)
}

// maxBridgePeerNames bounds how many other members' names a
// multi-party BRIDGEPEER value lists; a channel's own name is never in
// its list (§9).
const maxBridgePeerNames = 10

// pvtCallIDer is an optional Endpoint capability: a technology-specific
// private call-id exposed for BRIDGEPVTCALLID (§9). Most endpoints don't
// have one; SetVariable just receives "" in that case.
type pvtCallIDer interface {
	PvtCallID() string
}

func pvtCallID(ep Endpoint) string {
	if p, ok := ep.(pvtCallIDer); ok {
		return p.PvtCallID()
	}
	return ""
}

// updateChannelVarsLocked refreshes the BRIDGEPEER/BRIDGEPVTCALLID
// dialplan variables on every member (§9: colp/variable refresh is
// best-effort ambient bookkeeping, not a correctness invariant). A
// holding bridge clears both variables; a two-party bridge points each
// member at the other and, when techChanged reports the bridge's
// technology was just hot-swapped, also indicates a connected-line
// update to each party; a larger bridge sets BRIDGEPEER to a
// comma-separated list of up to maxBridgePeerNames other member names.
func (b *Bridge) updateChannelVarsLocked(techChanged bool) {
	if b.AllowedCaps.Has(CapHolding) {
		for _, c := range b.channels {
			c.ep.SetVariable("BRIDGEPEER", "")
			c.ep.SetVariable("BRIDGEPVTCALLID", "")
		}
		return
	}

	switch len(b.channels) {
	case 0, 1:
		return
	case 2:
		c0, c1 := b.channels[0], b.channels[1]
		c0.ep.SetVariable("BRIDGEPEER", c1.ep.ID())
		c0.ep.SetVariable("BRIDGEPVTCALLID", pvtCallID(c1.ep))
		c1.ep.SetVariable("BRIDGEPEER", c0.ep.ID())
		c1.ep.SetVariable("BRIDGEPVTCALLID", pvtCallID(c0.ep))
		if techChanged {
			_ = c0.ep.Indicate(ControlConnectedLine, c1.ep.ID())
			_ = c1.ep.Indicate(ControlConnectedLine, c0.ep.ID())
		}
	default:
		names := make([]string, len(b.channels))
		for i, c := range b.channels {
			names[i] = c.ep.ID()
		}
		for i, c := range b.channels {
			peers := make([]string, 0, maxBridgePeerNames)
			for j, name := range names {
				if j == i {
					continue
				}
				if len(peers) == maxBridgePeerNames {
					break
				}
				peers = append(peers, name)
			}
			c.ep.SetVariable("BRIDGEPEER", strings.Join(peers, ","))
			c.ep.SetVariable("BRIDGEPVTCALLID", "")
		}
	}
}

// MergeInhibit adjusts the bridge's temporary merge/optimization
// inhibitor counter by request (typically +1 to inhibit, -1 to release
// a previously-requested inhibit). While non-zero, Move and Merge both
// refuse to operate on this bridge (§4.7), independent of the permanent
// FlagMergeInhibitTo/From flags. Multiple independent callers may each
// hold an inhibit at once, hence a counter rather than a bool.
func (b *Bridge) MergeInhibit(request int) {
	b.mu.Lock()
	b.mergeInhibit += request
	b.mu.Unlock()
}

// suspendMember takes the bridge and channel locks together to flip c
// into suspended state consistently with numActive bookkeeping (the
// same invariant pushLocked/pullLocked maintain), then tells the active
// technology to stop mixing c in (§5 Suspension points). Used to keep a
// channel's media out of the bridge for the duration of a hook callback
// registered with OptionMedia.
func (b *Bridge) suspendMember(c *BridgeChannel) {
	b.mu.Lock()
	c.mu.Lock()
	already := c.suspended
	if !already {
		c.suspended = true
		b.numActive--
	}
	c.mu.Unlock()
	tech := b.tech
	b.mu.Unlock()

	if !already && tech != nil {
		tech.Suspend(b, c)
	}
}

// unsuspendMember reverses suspendMember.
func (b *Bridge) unsuspendMember(c *BridgeChannel) {
	b.mu.Lock()
	c.mu.Lock()
	wasSuspended := c.suspended
	if wasSuspended {
		c.suspended = false
		b.numActive++
	}
	c.mu.Unlock()
	tech := b.tech
	b.mu.Unlock()

	if wasSuspended && tech != nil {
		tech.Unsuspend(b, c)
	}
}

// --- action queue (§4.3 "deferred bridge actions") ------------------------

// enqueueActionLocked appends a closure to run outside the bridge lock,
// on the shared Manager goroutine. Must be called with b.mu held.
func (b *Bridge) enqueueActionLocked(fn func(*Bridge)) {
	b.actionQueue = append(b.actionQueue, fn)
	if b.manager != nil {
		b.manager.notify(b)
	}
}

// drainActions pops and runs every pending deferred action. Called by
// Manager off the bridge lock.
func (b *Bridge) drainActions() {
	b.mu.Lock()
	actions := b.actionQueue
	b.actionQueue = nil
	b.mu.Unlock()

	for _, fn := range actions {
		fn(b)
	}
}

// Destroy stops and tears down the bridge's technology and drains any
// remaining deferred actions synchronously. Callers must Dissolve first
// if members are still attached; Destroy does not itself kick anyone.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	b.vtable.Destroy(b)
	tech, techPvt := b.tech, b.techPvt
	b.mu.Unlock()

	if tech != nil {
		tech.Stop(b)
		tech.Destroy(b)
	}
	_ = techPvt

	b.drainActions()
}
