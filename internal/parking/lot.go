// Package parking implements call parking (§4.9) over internal/bridge's
// holding technology: a ParkingLot is a numbered range of "spaces", each
// space a slot in one shared holding Bridge. Parking a call pushes it
// into that bridge and remembers which space it occupies; retrieving it
// is an ordinary Move back to the retriever's bridge.
package parking

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowpbx/internal/bridge"
	"github.com/flowpbx/flowpbx/internal/bridge/techs/holding"
)

// LotConfig configures a ParkingLot (§4.9).
type LotConfig struct {
	Name        string
	Context     string // dialplan context parked calls are reachable from
	StartSpace  int
	StopSpace   int
	ParkTimeout time.Duration
	MusicOnHold string
}

// ParkingLot owns one holding Bridge and the numbered-space allocator
// over it.
type ParkingLot struct {
	cfg LotConfig
	log *slog.Logger

	bridge *bridge.Bridge
	bus    bridge.EventBus

	mu        sync.Mutex
	nextSpace int
	occupied  map[int]*ParkedUser
}

// NewParkingLot constructs the lot's holding bridge and allocator.
func NewParkingLot(cfg LotConfig, techReg *bridge.TechnologyRegistry, registry *bridge.BridgeRegistry, mgr *bridge.Manager, bus bridge.EventBus, log *slog.Logger) (*ParkingLot, error) {
	if cfg.StopSpace < cfg.StartSpace {
		return nil, fmt.Errorf("parking: invalid space range [%d,%d]", cfg.StartSpace, cfg.StopSpace)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("subsystem", "parking", "lot", cfg.Name)

	techReg.Register(holding.New(1, cfg.MusicOnHold, log))

	b, err := bridge.NewBridge(bridge.Options{
		Name:        "parking:" + cfg.Name,
		AllowedCaps: bridge.CapHolding,
		// A parking lot bridge is never a merge/swap destination or
		// source: parked calls only ever leave via an explicit
		// Retrieve/Force, never by being folded into another bridge.
		Flags:        bridge.FlagMergeInhibitTo | bridge.FlagMergeInhibitFrom | bridge.FlagSwapInhibitFrom,
		TechRegistry: techReg,
		Registry:     registry,
		Manager:      mgr,
		Bus:          bus,
		Log:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("parking: create lot bridge: %w", err)
	}

	return &ParkingLot{
		cfg:       cfg,
		log:       log,
		bridge:    b,
		bus:       bus,
		nextSpace: cfg.StartSpace,
		occupied:  make(map[int]*ParkedUser),
	}, nil
}

// Bridge returns the lot's shared holding bridge.
func (l *ParkingLot) Bridge() *bridge.Bridge { return l.bridge }

// Park satisfies bridge.ParkDiversionHook (transfer.go): a blind
// transfer whose destination extension resolves to the Park
// application is diverted straight into this lot instead of an
// ordinary dialplan goto. args is unused — the original extension's
// arguments don't carry any parking-specific configuration in this
// port (real Asterisk dialplans pass the target lot name as arg 1,
// but lot selection here is a caller concern: BlindTransfer is handed
// the lot to divert into directly).
func (l *ParkingLot) Park(c *bridge.BridgeChannel, app string, args []string) error {
	_, err := Park(l, c, c.Endpoint().ID(), l.bus)
	return err
}

// allocateSpace finds the next free space starting from the cursor and
// wrapping around the configured range (§4.9 "next_space cursor
// wraparound"). Returns false if the lot is full.
func (l *ParkingLot) allocateSpace() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	span := l.cfg.StopSpace - l.cfg.StartSpace + 1
	for i := 0; i < span; i++ {
		space := l.cfg.StartSpace + (l.nextSpace-l.cfg.StartSpace+i)%span
		if _, taken := l.occupied[space]; !taken {
			l.nextSpace = space + 1
			if l.nextSpace > l.cfg.StopSpace {
				l.nextSpace = l.cfg.StartSpace
			}
			return space, true
		}
	}
	return 0, false
}

func (l *ParkingLot) release(space int) {
	l.mu.Lock()
	delete(l.occupied, space)
	l.mu.Unlock()
}

// Lookup returns the ParkedUser occupying space, if any.
func (l *ParkingLot) Lookup(space int) (*ParkedUser, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pu, ok := l.occupied[space]
	return pu, ok
}
