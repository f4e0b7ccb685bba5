package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// BridgeChannel wraps one Endpoint participating in one Bridge (§3). It
// owns a write queue, an alert mechanism the join loop selects on, a
// DTMF partial-match buffer with interdigit deadline, and the owed-events
// memo settled when the channel is pulled.
type BridgeChannel struct {
	mu sync.Mutex

	ep       Endpoint
	bridge   *Bridge // changes only while both bridge locks are held (move/merge) or under b.mu (push/pull)
	swapTarget *BridgeChannel // consumed on first push

	BridgePvt any
	TechPvt   any

	state      State
	inBridge   bool
	justJoined bool
	suspended  bool
	departWait bool

	Features *FeatureSet

	writeQueue []Frame
	wake       chan struct{} // capacity 1; poked whenever the join loop should re-evaluate

	activity atomic.Int32

	// DTMF match state (§4.2 step 3, §4.5).
	collected          []byte
	interdigitDeadline time.Time
	hasDeadline        bool

	// Owed events, settled on pull (§4.2 "settle owed events").
	owedDTMFDigit byte
	owedDTMFStart time.Time
	hasOwedDTMF   bool
	owedT38Term   bool

	readFormat, writeFormat Format

	refCount atomic.Int32
	done     chan struct{} // closed when the join loop returns

	binauralDirty bool

	// streamToBridgeIdx / streamFromBridgeIdx model the channel<->bridge
	// stream-index maps of §3; kept as plain maps since the core treats
	// them as opaque bookkeeping for the media layer.
	chanToBridgeStream map[int]int
	bridgeToChanStream map[int]int
}

// NewBridgeChannel allocates a BridgeChannel for ep. Fields are populated
// by the caller before Push (§3 lifecycle).
func NewBridgeChannel(ep Endpoint, features *FeatureSet) *BridgeChannel {
	if features == nil {
		features = NewFeatureSet()
	}
	c := &BridgeChannel{
		ep:                 ep,
		state:              StateWait,
		Features:           features,
		wake:               make(chan struct{}, 1),
		done:               make(chan struct{}),
		chanToBridgeStream: make(map[int]int),
		bridgeToChanStream: make(map[int]int),
	}
	c.refCount.Store(1)
	return c
}

// Ref increments the reference count; Unref decrements it. The
// BridgeChannel is conceptually shared between its owner thread and any
// operator holding a temporary handle (§9); Go's GC reclaims the struct
// itself once unreferenced; Unref exists to make callers symmetric with
// the spec's ownership model and to gate the final-release hook.
func (c *BridgeChannel) Ref() { c.refCount.Add(1) }

// Unref decrements the reference count. Returns true if this was the
// final reference.
func (c *BridgeChannel) Unref() bool { return c.refCount.Add(-1) == 0 }

func (c *BridgeChannel) Endpoint() Endpoint { return c.ep }

func (c *BridgeChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *BridgeChannel) InBridge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inBridge
}

func (c *BridgeChannel) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

func (c *BridgeChannel) SetSuspended(v bool) {
	c.mu.Lock()
	c.suspended = v
	c.mu.Unlock()
	c.poke()
}

func (c *BridgeChannel) SetActivity(a Activity) { c.activity.Store(int32(a)) }
func (c *BridgeChannel) Activity() Activity      { return Activity(c.activity.Load()) }

// Bridge returns the currently-owning bridge, or nil. Callers that need
// a stable reference across a lock-order climb should use lockBridge
// (bridge.go), not this accessor directly.
func (c *BridgeChannel) Bridge() *Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge
}

// leaveBridge transitions state monotonically WAIT -> newState and pokes
// the owner thread so it notices at its next loop iteration (§4.2, §5
// "Cancellation and timeouts"). newState must be StateEnd or
// StateEndNoDissolve; transitioning from a terminal state is a no-op.
func (c *BridgeChannel) leaveBridge(newState State, cause Cause) {
	c.mu.Lock()
	if c.state != StateWait {
		c.mu.Unlock()
		return
	}
	c.state = newState
	_ = cause
	c.mu.Unlock()
	c.poke()
}

// LeaveBridge is the public operator-facing entry point for "remove" and
// "kick" (§4.7): it sets state to END_NO_DISSOLVE.
func (c *BridgeChannel) LeaveBridge(cause Cause) { c.leaveBridge(StateEndNoDissolve, cause) }

// Kick forces a hard hangup-equivalent exit: state END.
func (c *BridgeChannel) Kick(cause Cause) { c.leaveBridge(StateEnd, cause) }

// poke wakes a blocked join-loop select without blocking itself
// (non-blocking send, capacity-1 channel: a pending wake already covers
// any subsequent reason to wake).
func (c *BridgeChannel) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake exposes the alert channel for the join loop's select.
func (c *BridgeChannel) Wake() <-chan struct{} { return c.wake }

// --- write queue / alert mechanism (§4.1, §5) ---------------------------

// Enqueue applies the frame routing rules of §4.1 and, if the frame is
// accepted, appends it to the write queue and signals one alert.
func (c *BridgeChannel) Enqueue(f Frame) {
	c.mu.Lock()
	if c.state != StateWait {
		c.mu.Unlock()
		return // dropped: not in WAIT
	}
	if c.suspended && f.Type != FrameDTMFBegin && f.Type != FrameDTMFEnd && !f.Deferrable {
		c.mu.Unlock()
		return // dropped silently per routing rule
	}
	c.writeQueue = append(c.writeQueue, f)
	c.mu.Unlock()
	c.poke()
}

// EnqueueSync enqueues a BRIDGE_ACTION_SYNC frame and blocks the caller
// until the consumer frees it or 600s elapse (§4.1).
func (c *BridgeChannel) EnqueueSync(run func(*Bridge)) error {
	sw := newSyncWait()
	f := Frame{
		Type: FrameBridgeActionSync,
		Data: &BridgeActionPayload{Run: run},
		sync: sw,
	}
	start := Now()
	c.Enqueue(f)

	select {
	case <-sw.done:
		if b := c.Bridge(); b != nil {
			b.metrics.observeSyncWait(Now().Sub(start))
		}
		return nil
	case <-time.After(600 * time.Second):
		return ErrSyncTimeout
	}
}

// dequeue honors the DTMF-deferral pop rule (§4.2 step 4): while a DTMF
// sequence is in progress (collected non-empty), BRIDGE_ACTION{,_SYNC}
// frames are skipped in place and the next non-action frame is taken; if
// none exists, dequeue returns (false) so the caller sleeps briefly and
// retries.
func (c *BridgeChannel) dequeue() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	collecting := len(c.collected) > 0
	for i, f := range c.writeQueue {
		isAction := f.Type == FrameBridgeAction || f.Type == FrameBridgeActionSync
		if collecting && isAction {
			continue
		}
		c.writeQueue = append(c.writeQueue[:i:i], c.writeQueue[i+1:]...)
		return f, true
	}
	return Frame{}, false
}

func (c *BridgeChannel) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writeQueue)
}

// --- DTMF match buffer (§4.2 step 3, §4.5) -------------------------------

func (c *BridgeChannel) dtmfCollected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.collected)
}

func (c *BridgeChannel) dtmfAppend(digit byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collected = append(c.collected, digit)
	return string(c.collected)
}

func (c *BridgeChannel) dtmfClear() {
	c.mu.Lock()
	c.collected = c.collected[:0]
	c.hasDeadline = false
	c.mu.Unlock()
}

func (c *BridgeChannel) dtmfArmDeadline(d time.Time) {
	c.mu.Lock()
	c.interdigitDeadline = d
	c.hasDeadline = true
	c.mu.Unlock()
}

func (c *BridgeChannel) dtmfDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interdigitDeadline, c.hasDeadline
}

// --- owed events (§3, §4.2 "settle owed events") -------------------------

func (c *BridgeChannel) setOwedDTMF(digit byte) {
	c.mu.Lock()
	c.owedDTMFDigit = digit
	c.owedDTMFStart = Now()
	c.hasOwedDTMF = true
	c.mu.Unlock()
}

func (c *BridgeChannel) clearOwedDTMF() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, had := c.owedDTMFDigit, c.hasOwedDTMF
	c.hasOwedDTMF = false
	return d, had
}

func (c *BridgeChannel) setOwedT38Terminate(v bool) {
	c.mu.Lock()
	c.owedT38Term = v
	c.mu.Unlock()
}

func (c *BridgeChannel) clearOwedT38Terminate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.owedT38Term
	c.owedT38Term = false
	return v
}
