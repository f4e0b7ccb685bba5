// Package holding implements the bridge.Technology backing CapHolding:
// a bridge that carries no mixed audio at all, used for music-on-hold
// and call parking (§4.9). Joining plays MOH via Endpoint.Indicate;
// there is nothing to mix because every member is on hold on its own,
// including when a parking lot's shared bridge holds several parked
// calls at once.
package holding

import (
	"log/slog"

	"github.com/flowpbx/flowpbx/internal/bridge"
)

type Technology struct {
	preference  int
	mohClass    string
	log         *slog.Logger
}

// New builds a holding technology. mohClass is passed through to
// Endpoint.Indicate(ControlHold, mohClass) unchanged; the endpoint
// driver owns interpreting it (e.g. which audio file set to play).
func New(preference int, mohClass string, log *slog.Logger) *Technology {
	if log == nil {
		log = slog.Default()
	}
	return &Technology{preference: preference, mohClass: mohClass, log: log.With("subsystem", "bridge-tech", "technology", "holding")}
}

func (t *Technology) Name() string                                 { return "holding" }
func (t *Technology) Capabilities() bridge.Capability               { return bridge.CapHolding }
func (t *Technology) Preference() int                               { return t.preference }
func (t *Technology) FormatCapabilities() bridge.FormatCapabilities { return nil }

func (t *Technology) Create(b *bridge.Bridge) error { return nil }
func (t *Technology) Destroy(b *bridge.Bridge)      {}
func (t *Technology) Start(b *bridge.Bridge) error  { return nil }
func (t *Technology) Stop(b *bridge.Bridge)         {}

func (t *Technology) Join(b *bridge.Bridge, c *bridge.BridgeChannel) error {
	return c.Endpoint().Indicate(bridge.ControlHold, t.mohClass)
}

func (t *Technology) Leave(b *bridge.Bridge, c *bridge.BridgeChannel) {
	_ = c.Endpoint().Indicate(bridge.ControlUnhold, nil)
}

func (t *Technology) Suspend(b *bridge.Bridge, c *bridge.BridgeChannel)   {}
func (t *Technology) Unsuspend(b *bridge.Bridge, c *bridge.BridgeChannel) {}

// Write drops everything: a holding bridge carries MOH generated by the
// endpoint driver itself, not audio relayed through the bridge core.
func (t *Technology) Write(b *bridge.Bridge, c *bridge.BridgeChannel, f bridge.Frame) error {
	return nil
}

func (t *Technology) Compatible(b *bridge.Bridge) bool { return true }
