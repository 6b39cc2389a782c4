package fieldsync

import "sync"

// Connectivity is the host-provided online/offline signal. Online reports the
// current state; Changes delivers transition events the engine reacts to.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// ManualConnectivity is a Connectivity implementation driven by explicit Set
// calls, suitable for platform adapters and tests.
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

// NewManualConnectivity creates a signal source with the given initial state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online, ch: make(chan bool, 8)}
}

// Online reports the current connectivity state.
func (c *ManualConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Changes returns the transition event channel.
func (c *ManualConnectivity) Changes() <-chan bool { return c.ch }

// Set updates the state and emits a transition event if it changed.
// The event is dropped rather than blocking if nobody is consuming.
func (c *ManualConnectivity) Set(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()
	if !changed {
		return
	}
	select {
	case c.ch <- online:
	default:
	}
}
