package bridge

// VTable is the bridge-subclass vtable (§6): a subclass (e.g.
// ParkingBridge) may override Push/Pull to install additional
// invariants while the base Bridge machinery handles membership,
// locking, and action dispatch.
type VTable interface {
	Name() string
	Destroy(b *Bridge)
	Dissolving(b *Bridge)
	// Push runs under the bridge lock after the generic WAIT/dissolved
	// checks (§4.3). Returning an error fails the push.
	Push(b *Bridge, c *BridgeChannel, swap *BridgeChannel) error
	// Pull runs under the bridge lock after membership bookkeeping. The
	// default implementation removes REMOVE_ON_PULL hooks.
	Pull(b *Bridge, c *BridgeChannel)
	NotifyMasquerade(b *Bridge, c *BridgeChannel)
	GetMergePriority(b *Bridge) int
}

// BaseVTable is the default Bridge subclass: plain N-way membership with
// no extra invariants.
type BaseVTable struct{}

func (BaseVTable) Name() string                                       { return "basic" }
func (BaseVTable) Destroy(*Bridge)                                    {}
func (BaseVTable) Dissolving(*Bridge)                                 {}
func (BaseVTable) Push(*Bridge, *BridgeChannel, *BridgeChannel) error  { return nil }
func (BaseVTable) Pull(b *Bridge, c *BridgeChannel)                    { c.Features.RemoveOnPull() }
func (BaseVTable) NotifyMasquerade(*Bridge, *BridgeChannel)            {}
func (BaseVTable) GetMergePriority(*Bridge) int                        { return 0 }
