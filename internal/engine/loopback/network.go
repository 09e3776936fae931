package loopback

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/bacbridge/internal/engine"
)

var ErrAddressInUse = errors.New("loopback: address already in use")

// Network connects simulated devices and engines in one process.
type Network struct {
	mu      sync.RWMutex
	devices map[string]*Device
	engines map[string]*Engine
}

func NewNetwork() *Network {
	return &Network{
		devices: make(map[string]*Device),
		engines: make(map[string]*Engine),
	}
}

// DeviceAddress returns the conventional loopback address for a device
// instance.
func DeviceAddress(instance uint32) engine.Address {
	return engine.Address{MAC: []byte{10, byte(instance >> 16), byte(instance >> 8), byte(instance), 0xBA, 0xC0}}
}

func addrKey(a engine.Address) string {
	return fmt.Sprintf("%d/%x", a.Network, a.MAC)
}

func (n *Network) AddDevice(d *Device) error {
	key := addrKey(d.Address)
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.devices[key]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, d.Address)
	}
	d.mu.Lock()
	d.net = n
	d.mu.Unlock()
	n.devices[key] = d
	return nil
}

func (n *Network) RemoveDevice(addr engine.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.devices, addrKey(addr))
}

func (n *Network) Device(addr engine.Address) (*Device, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.devices[addrKey(addr)]
	return d, ok
}

// Devices returns attached devices ordered by instance.
func (n *Network) Devices() []*Device {
	n.mu.RLock()
	out := make([]*Device, 0, len(n.devices))
	for _, d := range n.devices {
		out = append(out, d)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func (n *Network) attach(e *Engine) error {
	key := addrKey(e.addr)
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.engines[key]; ok && cur != e {
		return fmt.Errorf("%w: %s", ErrAddressInUse, e.addr)
	}
	n.engines[key] = e
	return nil
}

func (n *Network) detach(e *Engine) {
	key := addrKey(e.addr)
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.engines[key]; ok && cur == e {
		delete(n.engines, key)
	}
}

// deliver hands data to the engine attached at to. It reports false when no
// engine listens there or its inbox is full.
func (n *Network) deliver(from, to engine.Address, data []byte) bool {
	n.mu.RLock()
	e, ok := n.engines[addrKey(to)]
	n.mu.RUnlock()
	if !ok {
		return false
	}
	return e.enqueue(engine.Datagram{Source: from.Clone(), Data: data})
}
