// Package allocator matches jobs to devices and owns every reservation in
// the system. The pool is the only highly contended shared structure, so all
// reservation state lives behind a single lock with compare-and-set
// semantics instead of per-device locks.
package allocator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devicelab/conductor/pkg/types"
)

// Pool holds the device inventory and reservation slots.
type Pool struct {
	mu      sync.Mutex
	devices map[string]*types.Device

	// released is signalled on every reservation release so waiters can
	// re-drive the queue.
	released chan struct{}
}

// NewPool creates an empty device pool.
func NewPool() *Pool {
	return &Pool{
		devices:  make(map[string]*types.Device),
		released: make(chan struct{}, 1),
	}
}

// Add registers or replaces a device. Reservation state of an existing
// device is preserved so a re-registering worker cannot clear a live
// reservation.
func (p *Pool) Add(d *types.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.devices[d.ID]; ok {
		d.ReservedBy = prev.ReservedBy
		d.ReservedAt = prev.ReservedAt
	}
	cp := *d
	p.devices[d.ID] = &cp
}

// Get returns a copy of the device, or false if unknown.
func (p *Pool) Get(id string) (types.Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return types.Device{}, false
	}
	return *d, true
}

// List returns copies of all devices, ordered by ID.
func (p *Pool) List() []types.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetHealth updates a device's health state. Moving a reserved device out of
// good health does not break the running job; the device simply stops
// matching once released.
func (p *Pool) SetHealth(id string, health types.HealthState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return fmt.Errorf("unknown device %q", id)
	}
	d.Health = health
	return nil
}

// reserve atomically claims a device for a job. It fails when the device is
// unknown, unhealthy, or already reserved by anyone else. Reserving a device
// the job already holds is a no-op.
func (p *Pool) reserve(deviceID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserveLocked(deviceID, jobID)
}

func (p *Pool) reserveLocked(deviceID, jobID string) error {
	d, ok := p.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	if d.ReservedBy == jobID {
		return nil
	}
	if d.ReservedBy != "" {
		return fmt.Errorf("device %q already reserved by %s", deviceID, d.ReservedBy)
	}
	if d.Health != types.HealthGood {
		return fmt.Errorf("device %q is in %s", deviceID, d.Health)
	}
	now := time.Now().UTC()
	d.ReservedBy = jobID
	d.ReservedAt = &now
	return nil
}

// Release frees a device held by jobID. Releases by a job that does not hold
// the device are ignored; a release is never allowed to break another job's
// reservation.
func (p *Pool) Release(deviceID, jobID string) {
	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if ok && d.ReservedBy == jobID {
		d.ReservedBy = ""
		d.ReservedAt = nil
	}
	p.mu.Unlock()
	if ok {
		p.signalRelease()
	}
}

func (p *Pool) signalRelease() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// Released exposes the release signal. Receives coalesce: one signal may
// stand for several releases.
func (p *Pool) Released() <-chan struct{} {
	return p.released
}
