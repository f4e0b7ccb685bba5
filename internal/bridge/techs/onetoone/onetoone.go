// Package onetoone implements the bridge.Technology backing
// CapNative/Cap1to1Mix: two parties whose RTP is cross-wired directly by
// internal/media.Relay rather than flowing through the bridge core's
// Frame plumbing. This mirrors how native/1:1 bridging actually works in
// the teacher's media layer (internal/sip/bridge.go's MediaBridge): once
// two legs' SDP is negotiated, audio flows leg-to-leg over the kernel's
// socket buffers, and the bridge core only continues to carry DTMF and
// control frames.
package onetoone

import (
	"fmt"
	"log/slog"

	"github.com/flowpbx/flowpbx/internal/bridge"
	"github.com/flowpbx/flowpbx/internal/bridge/techs"
	"github.com/flowpbx/flowpbx/internal/media"
)

// SessionFactory builds the media.Session backing a relay between two
// endpoints, once both have joined. It is owned by the host integration
// layer (the SIP/media adapter), since only that layer knows how to
// negotiate a media.Session for a given pair of calls.
type SessionFactory func(a, b bridge.Endpoint) (*media.Session, []int, error)

// Technology wires bridge.Technology to internal/media.Relay.
type Technology struct {
	preference int
	newSession SessionFactory
	log        *slog.Logger
}

// New builds the onetoone technology. preference should normally be
// higher than softmix's so 2-party calls prefer native relaying.
func New(preference int, sf SessionFactory, log *slog.Logger) *Technology {
	if log == nil {
		log = slog.Default()
	}
	return &Technology{preference: preference, newSession: sf, log: log.With("subsystem", "bridge-tech", "technology", "onetoone")}
}

func (t *Technology) Name() string                   { return "onetoone" }
func (t *Technology) Capabilities() bridge.Capability { return bridge.CapNative | bridge.Cap1to1Mix }
func (t *Technology) Preference() int                 { return t.preference }
func (t *Technology) FormatCapabilities() bridge.FormatCapabilities { return nil }

// state is the bridge-private pointer stored on the Bridge between
// Create and Destroy.
type state struct {
	relay    *media.Relay
	sessionA bridge.Endpoint
	sessionB bridge.Endpoint
}

func (t *Technology) Create(b *bridge.Bridge) error { return nil }
func (t *Technology) Destroy(b *bridge.Bridge)      {}
func (t *Technology) Start(b *bridge.Bridge) error  { return nil }

func (t *Technology) Stop(b *bridge.Bridge) {
	if st, ok := b.TechState().(*state); ok && st.relay != nil {
		st.relay.Stop()
	}
}

// Join registers the joining endpoint. The relay itself is only started
// once the second endpoint joins, since native bridging is inherently
// two-party.
func (t *Technology) Join(b *bridge.Bridge, c *bridge.BridgeChannel) error {
	st, _ := b.TechState().(*state)
	if st == nil {
		st = &state{}
		b.SetTechState(st)
	}

	switch {
	case st.sessionA == nil:
		st.sessionA = c.Endpoint()
		return nil
	case st.sessionB == nil:
		st.sessionB = c.Endpoint()
	default:
		return fmt.Errorf("onetoone: %w", bridge.ErrIncompatible)
	}

	if _, ok := st.sessionA.(techs.RTPEndpoint); !ok {
		return fmt.Errorf("onetoone: endpoint does not support RTP relaying: %w", bridge.ErrIncompatible)
	}
	if _, ok := st.sessionB.(techs.RTPEndpoint); !ok {
		return fmt.Errorf("onetoone: endpoint does not support RTP relaying: %w", bridge.ErrIncompatible)
	}

	session, allowedPT, err := t.newSession(st.sessionA, st.sessionB)
	if err != nil {
		return fmt.Errorf("onetoone: build session: %w", err)
	}

	ra := st.sessionA.(techs.RTPEndpoint).RemoteRTPAddr()
	rb := st.sessionB.(techs.RTPEndpoint).RemoteRTPAddr()
	st.relay = media.NewRelay(session, ra, rb, allowedPT, t.log)
	st.relay.Start()
	return nil
}

// Leave tears down the relay; the survivor (if any) falls back to
// waiting for a new peer, same as a freshly-created bridge.
func (t *Technology) Leave(b *bridge.Bridge, c *bridge.BridgeChannel) {
	st, ok := b.TechState().(*state)
	if !ok {
		return
	}
	if st.relay != nil {
		st.relay.Stop()
		st.relay = nil
	}
	if st.sessionA == c.Endpoint() {
		st.sessionA = st.sessionB
	}
	st.sessionB = nil
}

func (t *Technology) Suspend(b *bridge.Bridge, c *bridge.BridgeChannel)   {}
func (t *Technology) Unsuspend(b *bridge.Bridge, c *bridge.BridgeChannel) {}

// Write is a no-op for audio: the relay already cross-wires RTP at the
// socket layer. Non-media frames (DTMF passthrough already handled by
// the join loop) have nowhere else to go in a 2-party native bridge.
func (t *Technology) Write(b *bridge.Bridge, c *bridge.BridgeChannel, f bridge.Frame) error {
	return nil
}

// Compatible refuses to keep serving once a third party joins; the
// Smart-bridge reselection in Bridge.Reconfigure will hot-swap to
// softmix.
func (t *Technology) Compatible(b *bridge.Bridge) bool { return b.NumChannels() <= 2 }
