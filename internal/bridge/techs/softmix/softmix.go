// Package softmix implements the bridge.Technology backing CapMultiMix:
// N-way mixing wired to internal/media.Mixer's G.711 mix loop, with
// join/leave tone injection the way internal/media/conference.go does
// for the teacher's existing ConferenceRoom type.
package softmix

import (
	"context"
	"log/slog"

	"github.com/flowpbx/flowpbx/internal/bridge"
	"github.com/flowpbx/flowpbx/internal/bridge/techs"
	"github.com/flowpbx/flowpbx/internal/media"
)

const (
	joinToneHz  = 1000.0
	leaveToneHz = 600.0
	toneMs      = 150
	toneAmp     = 0.2
)

// ProxyFactory builds (or returns a shared) media.Proxy the mixer
// allocates participant socket pairs from.
type ProxyFactory func() *media.Proxy

// Technology wires bridge.Technology to internal/media.Mixer.
type Technology struct {
	preference int
	newProxy   ProxyFactory
	log        *slog.Logger
}

func New(preference int, pf ProxyFactory, log *slog.Logger) *Technology {
	if log == nil {
		log = slog.Default()
	}
	return &Technology{preference: preference, newProxy: pf, log: log.With("subsystem", "bridge-tech", "technology", "softmix")}
}

func (t *Technology) Name() string                                 { return "softmix" }
func (t *Technology) Capabilities() bridge.Capability               { return bridge.CapMultiMix }
func (t *Technology) Preference() int                               { return t.preference }
func (t *Technology) FormatCapabilities() bridge.FormatCapabilities { return nil }

type state struct {
	mixer *media.Mixer
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *Technology) Create(b *bridge.Bridge) error {
	proxy := t.newProxy()
	mixer := media.NewMixer(proxy, t.log)
	ctx, cancel := context.WithCancel(context.Background())
	b.SetTechState(&state{mixer: mixer, ctx: ctx, cancel: cancel})
	return nil
}

func (t *Technology) Destroy(b *bridge.Bridge) {
	if st, ok := b.TechState().(*state); ok {
		st.mixer.Release()
	}
}

func (t *Technology) Start(b *bridge.Bridge) error {
	st, ok := b.TechState().(*state)
	if !ok {
		return bridge.ErrTechnologyUnavailable
	}
	st.mixer.Start(st.ctx)
	return nil
}

func (t *Technology) Stop(b *bridge.Bridge) {
	if st, ok := b.TechState().(*state); ok {
		st.cancel()
		st.mixer.Stop()
	}
}

func (t *Technology) Join(b *bridge.Bridge, c *bridge.BridgeChannel) error {
	st, ok := b.TechState().(*state)
	if !ok {
		return bridge.ErrTechnologyUnavailable
	}
	rtpEp, ok := c.Endpoint().(techs.RTPEndpoint)
	if !ok {
		return bridge.ErrIncompatible
	}

	if _, err := st.mixer.AddParticipant(c.Endpoint().ID(), rtpEp.RemoteRTPAddr(), rtpEp.PayloadType()); err != nil {
		return err
	}
	if st.mixer.ParticipantCount() > 1 {
		st.mixer.InjectTone(joinToneHz, toneAmp, toneMs)
	}
	return nil
}

func (t *Technology) Leave(b *bridge.Bridge, c *bridge.BridgeChannel) {
	st, ok := b.TechState().(*state)
	if !ok {
		return
	}
	_ = st.mixer.RemoveParticipant(c.Endpoint().ID())
	if st.mixer.ParticipantCount() > 0 {
		st.mixer.InjectTone(leaveToneHz, toneAmp, toneMs)
	}
}

func (t *Technology) Suspend(b *bridge.Bridge, c *bridge.BridgeChannel) {
	if st, ok := b.TechState().(*state); ok {
		if p := st.mixer.GetParticipant(c.Endpoint().ID()); p != nil {
			p.SetMuted(true)
		}
	}
}

func (t *Technology) Unsuspend(b *bridge.Bridge, c *bridge.BridgeChannel) {
	if st, ok := b.TechState().(*state); ok {
		if p := st.mixer.GetParticipant(c.Endpoint().ID()); p != nil {
			p.SetMuted(false)
		}
	}
}

// Write is a no-op: audio for each participant already flows straight
// into the mixer's own RTP sockets, set up in Join; the mixer's mixLoop
// does the actual N-1 mixing and write-back.
func (t *Technology) Write(b *bridge.Bridge, c *bridge.BridgeChannel, f bridge.Frame) error {
	return nil
}

func (t *Technology) Compatible(b *bridge.Bridge) bool { return true }
