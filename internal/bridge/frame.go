package bridge

import (
	"fmt"
	"sync"
)

// FrameType tags the kind of payload a Frame carries.
type FrameType int

const (
	FrameVoice FrameType = iota
	FrameVideo
	FrameDTMFBegin
	FrameDTMFEnd
	FrameControl
	FrameOption
	FrameNull
	FrameBridgeAction
	FrameBridgeActionSync
)

// ControlSubclass enumerates the control-frame subclasses the core
// understands. Endpoints may emit others; the core passes them through
// untouched.
type ControlSubclass int

const (
	ControlHangup ControlSubclass = iota
	ControlHold
	ControlUnhold
	ControlAnswer
	ControlConnectedLine
	ControlRedirecting
	ControlVidUpdate
	ControlSrcUpdate
	ControlSrcChange
	ControlReadAction
	ControlMasqueradeNotify
)

// ActionSubclass enumerates channel-scope deferred actions (§4.1).
type ActionSubclass int

const (
	ActionDTMFStream ActionSubclass = iota
	ActionTalkingStart
	ActionTalkingStop
	ActionPlayFile
	ActionRunApp
	ActionCallback
	ActionPark
	ActionBlindTransfer
	ActionAttendedTransfer
)

// Frame is a tagged union of everything that flows through a
// BridgeChannel's write queue or is written into a Bridge via
// tech.Write. Go interfaces give us the union property: Data holds
// whatever payload Subclass implies (a Go []byte for media, a string
// for DTMF digit, a *BridgeActionPayload for bridge actions, ...).
type Frame struct {
	Type     FrameType
	Subclass int
	Data     any
	Src      string

	// Deferrable frames are not dropped when the destination channel is
	// suspended (spec §4.1 routing rule).
	Deferrable bool

	// sync is set only for FrameBridgeActionSync frames.
	sync *syncWait
}

// DTMFPayload is the Data payload of a DTMF_BEGIN/DTMF_END frame.
type DTMFPayload struct {
	Digit byte
}

// BridgeActionPayload is the Data payload of a bridge-scope action frame.
type BridgeActionPayload struct {
	Run func(*Bridge)
}

// ChannelActionPayload is the Data payload of a channel-scope action
// frame (DTMF_STREAM, PLAY_FILE, RUN_APP, CALLBACK, PARK,
// BLIND_TRANSFER, ATTENDED_TRANSFER).
type ChannelActionPayload struct {
	Digits  string
	File    string
	AppName string
	AppArgs []string
	Run     func(*BridgeChannel)
}

// NewNullFrame builds a frame used only to poke an idle owner thread.
func NewNullFrame() Frame { return Frame{Type: FrameNull} }

// syncWait is the keyed-semaphore mechanism backing BRIDGE_ACTION_SYNC
// frames (§4.1): the producer blocks on done until the consumer signals
// it, with a hard 600s ceiling so a dead consumer cannot wedge forever.
type syncWait struct {
	done chan struct{}
	once sync.Once
}

func newSyncWait() *syncWait {
	return &syncWait{done: make(chan struct{})}
}

// Post signals the frame as processed. Safe to call at most meaningfully
// once; subsequent calls are no-ops.
func (s *syncWait) Post() {
	s.once.Do(func() { close(s.done) })
}

// String implements fmt.Stringer for debugging/log output.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{type=%d subclass=%d src=%q}", f.Type, f.Subclass, f.Src)
}
