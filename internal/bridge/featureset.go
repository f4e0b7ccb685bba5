package bridge

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDigitTimeout is the interdigit timeout used when a FeatureSet
// does not override it (§4.5: "default 3000 ms from general feature
// config").
const DefaultDigitTimeout = 3000 * time.Millisecond

type joinHookEntry struct {
	cb      OtherHookCallback
	remove  HookRemoveFlag
	options HookOption
}
type leaveHookEntry = joinHookEntry
type hangupHookEntry = joinHookEntry

type talkHookEntry struct {
	cb     TalkHookCallback
	remove HookRemoveFlag
}

type moveHookEntry struct {
	cb     MoveHookCallback
	remove HookRemoveFlag
}

// FeatureSet holds one channel's hook collections and feature flags
// (§3, §4.5). The zero value is not usable; use NewFeatureSet.
type FeatureSet struct {
	mu sync.Mutex

	dtmfHooks []*DTMFHook // kept sorted case-insensitively by Code

	intervalHeap *Heap[*IntervalHook]
	seq          uint64

	joinHooks   []*joinHookEntry
	leaveHooks  []*leaveHookEntry
	hangupHooks []*hangupHookEntry
	talkHooks   []*talkHookEntry
	moveHooks   []*moveHookEntry

	Flags           ChannelFlag
	Mute            bool
	DTMFPassthrough bool
	InhibitColp     bool
	DigitTimeout    time.Duration

	// dtmfLimiter bounds how often a DTMF hook may fire per channel,
	// guarding against a hostile fast-dialing endpoint retriggering
	// expensive hooks (e.g. attended-transfer actions) faster than a
	// human could plausibly dial.
	dtmfLimiter *rate.Limiter
}

// NewFeatureSet creates an empty FeatureSet with default timeouts.
func NewFeatureSet() *FeatureSet {
	fs := &FeatureSet{
		DigitTimeout: DefaultDigitTimeout,
		dtmfLimiter:  rate.NewLimiter(rate.Limit(20), 5),
	}
	fs.intervalHeap = NewHeap(
		func(a, b *IntervalHook) bool {
			if a.TripTime.Equal(b.TripTime) {
				return a.Seq > b.Seq // earlier sequence wins tiebreak -> "less" for max-heap means later seq is "smaller priority"
			}
			return a.TripTime.After(b.TripTime) // root = earliest trip time
		},
		func(h *IntervalHook, i int) { h.heapIndex = i },
	)
	return fs
}

// --- DTMF hooks ---------------------------------------------------------

// AddDTMFHook installs (or replaces, by code) a DTMF feature hook.
func (fs *FeatureSet) AddDTMFHook(h *DTMFHook) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := strings.ToLower(h.Code)
	i := sort.Search(len(fs.dtmfHooks), func(i int) bool {
		return strings.ToLower(fs.dtmfHooks[i].Code) >= key
	})
	if i < len(fs.dtmfHooks) && strings.EqualFold(fs.dtmfHooks[i].Code, h.Code) {
		fs.dtmfHooks[i] = h // duplicate replaces
		return
	}
	fs.dtmfHooks = append(fs.dtmfHooks, nil)
	copy(fs.dtmfHooks[i+1:], fs.dtmfHooks[i:])
	fs.dtmfHooks[i] = h
}

// MatchExact returns the hook whose code exactly equals collected
// (case-insensitive), if any.
func (fs *FeatureSet) MatchExact(collected string) (*DTMFHook, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, h := range fs.dtmfHooks {
		if strings.EqualFold(h.Code, collected) {
			return h, true
		}
	}
	return nil, false
}

// MatchesPrefix reports whether any installed hook's code begins with
// collected as a strict prefix (i.e. more digits could still complete a
// match).
func (fs *FeatureSet) MatchesPrefix(collected string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	lc := strings.ToLower(collected)
	for _, h := range fs.dtmfHooks {
		lh := strings.ToLower(h.Code)
		if len(lh) > len(lc) && strings.HasPrefix(lh, lc) {
			return true
		}
	}
	return false
}

// AllowDTMFDispatch reports whether the rate limiter currently permits
// an exact-match DTMF hook to fire.
func (fs *FeatureSet) AllowDTMFDispatch() bool {
	return fs.dtmfLimiter.Allow()
}

// RemoveDTMFHook unlinks a hook by pointer identity.
func (fs *FeatureSet) RemoveDTMFHook(h *DTMFHook) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, e := range fs.dtmfHooks {
		if e == h {
			fs.dtmfHooks = append(fs.dtmfHooks[:i], fs.dtmfHooks[i+1:]...)
			return
		}
	}
}

// --- Interval hooks ------------------------------------------------------

// AddIntervalHook installs a hook to trip intervalMS milliseconds from
// now and returns it for later removal.
func (fs *FeatureSet) AddIntervalHook(cb IntervalHookCallback, intervalMS int, opts HookOption) *IntervalHook {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.seq++
	h := &IntervalHook{
		Callback:   cb,
		IntervalMS: intervalMS,
		TripTime:   Now().Add(time.Duration(intervalMS) * time.Millisecond),
		Seq:        fs.seq,
		Options:    opts,
	}
	fs.intervalHeap.Push(h)
	return h
}

// RemoveIntervalHook unlinks a previously-added interval hook.
func (fs *FeatureSet) RemoveIntervalHook(h *IntervalHook) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.intervalHeap.RemoveAt(h.heapIndex)
}

// NextIntervalTrip returns the earliest armed interval hook's trip time.
func (fs *FeatureSet) NextIntervalTrip() (time.Time, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.intervalHeap.Peek()
	if !ok {
		return time.Time{}, false
	}
	return h.TripTime, true
}

// PopDueIntervalHooks removes and returns every interval hook whose trip time has
// elapsed as of now, root-first (earliest first).
func (fs *FeatureSet) PopDueIntervalHooks(now time.Time) []*IntervalHook {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var due []*IntervalHook
	for {
		h, ok := fs.intervalHeap.Peek()
		if !ok || h.TripTime.After(now) {
			break
		}
		fs.intervalHeap.Pop()
		due = append(due, h)
	}
	return due
}

// Reschedule re-arms h after any firing that did not return
// IntervalRemove (IntervalKeep or IntervalReset), computing the next trip time so slack never accumulates more than one
// period (§4.5).
func (fs *FeatureSet) Reschedule(h *IntervalHook, now time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	interval := time.Duration(h.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Millisecond
	}
	elapsed := now.Sub(h.TripTime)
	slack := elapsed % interval
	h.TripTime = now.Add(interval - slack)
	fs.seq++
	h.Seq = fs.seq
	fs.intervalHeap.Push(h)
}

// --- Other hooks (join/leave/hangup/talk/move) --------------------------

func (fs *FeatureSet) AddJoinHook(cb OtherHookCallback, remove HookRemoveFlag, opts HookOption) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.joinHooks = append(fs.joinHooks, &joinHookEntry{cb: cb, remove: remove, options: opts})
}

func (fs *FeatureSet) AddLeaveHook(cb OtherHookCallback, remove HookRemoveFlag, opts HookOption) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.leaveHooks = append(fs.leaveHooks, &leaveHookEntry{cb: cb, remove: remove, options: opts})
}

func (fs *FeatureSet) AddHangupHook(cb OtherHookCallback, remove HookRemoveFlag, opts HookOption) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.hangupHooks = append(fs.hangupHooks, &hangupHookEntry{cb: cb, remove: remove, options: opts})
}

func (fs *FeatureSet) AddTalkHook(cb TalkHookCallback, remove HookRemoveFlag) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.talkHooks = append(fs.talkHooks, &talkHookEntry{cb: cb, remove: remove})
}

func (fs *FeatureSet) AddMoveHook(cb MoveHookCallback, remove HookRemoveFlag) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.moveHooks = append(fs.moveHooks, &moveHookEntry{cb: cb, remove: remove})
}

// DrainJoinHooks runs every queued join hook once, in insertion order,
// then clears the collection (§4.2 step 1: "once drained, fall through").
// A hook registered with OptionMedia has the channel's media suspended
// for the duration of its callback (§5 Suspension points).
func (fs *FeatureSet) DrainJoinHooks(c *BridgeChannel, b *Bridge) {
	fs.mu.Lock()
	hooks := fs.joinHooks
	fs.joinHooks = nil
	fs.mu.Unlock()

	for _, h := range hooks {
		runHookSuspended(b, c, h.options, func() { h.cb(c) })
	}
}

// DrainLeaveHooks runs every queued leave hook once, in insertion order.
func (fs *FeatureSet) DrainLeaveHooks(c *BridgeChannel, b *Bridge) {
	fs.mu.Lock()
	hooks := fs.leaveHooks
	fs.leaveHooks = nil
	fs.mu.Unlock()

	for _, h := range hooks {
		runHookSuspended(b, c, h.options, func() { h.cb(c) })
	}
}

// RunHangupHooks runs every hangup hook, removing those that return
// HookRemove.
func (fs *FeatureSet) RunHangupHooks(c *BridgeChannel, b *Bridge) {
	fs.mu.Lock()
	hooks := fs.hangupHooks
	fs.mu.Unlock()

	var keep []*hangupHookEntry
	for _, h := range hooks {
		action := HookKeep
		runHookSuspended(b, c, h.options, func() { action = h.cb(c) })
		if action == HookKeep {
			keep = append(keep, h)
		}
	}
	fs.mu.Lock()
	fs.hangupHooks = keep
	fs.mu.Unlock()
}

// RunTalkHooks notifies every talk hook of a talk start/stop transition.
func (fs *FeatureSet) RunTalkHooks(c *BridgeChannel, talking bool) {
	fs.mu.Lock()
	hooks := fs.talkHooks
	fs.mu.Unlock()

	var keep []*talkHookEntry
	for _, h := range hooks {
		if h.cb(c, talking) == HookKeep {
			keep = append(keep, h)
		}
	}
	fs.mu.Lock()
	fs.talkHooks = keep
	fs.mu.Unlock()
}

// RunMoveHooks notifies every move hook that c moved from src to dst.
func (fs *FeatureSet) RunMoveHooks(c *BridgeChannel, src, dst *Bridge) {
	fs.mu.Lock()
	hooks := fs.moveHooks
	fs.mu.Unlock()

	var keep []*moveHookEntry
	for _, h := range hooks {
		if h.cb(c, src, dst) == HookKeep {
			keep = append(keep, h)
		}
	}
	fs.mu.Lock()
	fs.moveHooks = keep
	fs.mu.Unlock()
}

// RemoveOnPull drops every DTMF hook flagged RemoveOnPull. Called when a
// channel leaves a bridge (§4.3 pull contract default, and on failed
// push).
func (fs *FeatureSet) RemoveOnPull() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kept := fs.dtmfHooks[:0]
	for _, h := range fs.dtmfHooks {
		if h.RemoveFlags&RemoveOnPull != 0 {
			if h.PvtDestroy != nil {
				h.PvtDestroy(h.Pvt)
			}
			continue
		}
		kept = append(kept, h)
	}
	fs.dtmfHooks = kept
}

// Merge folds other's hooks and flags into fs (§4.5 "Merging feature
// sets"): DTMF and other-hook containers are concatenated (duplicate
// DTMF codes replace), interval hooks are re-wrapped before pushing so
// the two sets never share a hook-pvt destructor, and flag bits/mute/
// passthrough are OR'ed.
func (fs *FeatureSet) Merge(other *FeatureSet) {
	if other == nil {
		return
	}

	other.mu.Lock()
	dtmf := append([]*DTMFHook(nil), other.dtmfHooks...)
	join := append([]*joinHookEntry(nil), other.joinHooks...)
	leave := append([]*leaveHookEntry(nil), other.leaveHooks...)
	hangup := append([]*hangupHookEntry(nil), other.hangupHooks...)
	talk := append([]*talkHookEntry(nil), other.talkHooks...)
	move := append([]*moveHookEntry(nil), other.moveHooks...)
	var intervals []*IntervalHook
	for other.intervalHeap.Len() > 0 {
		h, _ := other.intervalHeap.Pop()
		intervals = append(intervals, h)
	}
	flags := other.Flags
	mute := other.Mute
	passthrough := other.DTMFPassthrough
	other.mu.Unlock()

	for _, h := range dtmf {
		fs.AddDTMFHook(h)
	}
	fs.mu.Lock()
	fs.joinHooks = append(fs.joinHooks, join...)
	fs.leaveHooks = append(fs.leaveHooks, leave...)
	fs.hangupHooks = append(fs.hangupHooks, hangup...)
	fs.talkHooks = append(fs.talkHooks, talk...)
	fs.moveHooks = append(fs.moveHooks, move...)
	fs.Flags |= flags
	fs.Mute = fs.Mute || mute
	fs.DTMFPassthrough = fs.DTMFPassthrough || passthrough
	fs.mu.Unlock()

	for _, h := range intervals {
		// Re-wrap: push a fresh copy so fs owns the only live reference
		// to this hook's heap slot (avoids double free of hook-pvt if
		// the caller still holds `other`).
		rewrapped := &IntervalHook{
			Callback:    h.Callback,
			IntervalMS:  h.IntervalMS,
			TripTime:    h.TripTime,
			Options:     h.Options,
			RemoveFlags: h.RemoveFlags,
			Pvt:         h.Pvt,
			PvtDestroy:  h.PvtDestroy,
		}
		fs.mu.Lock()
		fs.seq++
		rewrapped.Seq = fs.seq
		fs.intervalHeap.Push(rewrapped)
		fs.mu.Unlock()
	}
}
