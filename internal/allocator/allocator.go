package allocator

import (
	"errors"
	"fmt"

	"github.com/devicelab/conductor/pkg/types"
)

// Allocation errors. ErrNoMatchingDevice is permanent: no device of the
// required shape exists in the pool at all. ErrNoDeviceAvailable is
// transient: matching devices exist but every one is reserved or unhealthy,
// so the job should stay queued and retry on the next release.
var (
	ErrNoMatchingDevice  = errors.New("no matching device")
	ErrNoDeviceAvailable = errors.New("no device available")
)

// Allocator matches job requirements against the pool and reserves devices.
type Allocator struct {
	pool *Pool
	eval *restrictionEvaluator
}

// New creates an allocator over the given pool.
func New(pool *Pool) *Allocator {
	return &Allocator{
		pool: pool,
		eval: newRestrictionEvaluator(),
	}
}

// Pool returns the underlying device pool.
func (a *Allocator) Pool() *Pool { return a.pool }

// Allocate finds and reserves one device satisfying the job's selector.
// Filtering order follows the matching contract: device-type equality, then
// tag superset, then restriction, then health and reservation state.
func (a *Allocator) Allocate(job *types.JobDefinition) (string, error) {
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()

	deviceID, err := a.matchLocked(&job.Selector)
	if err != nil {
		return "", err
	}
	if err := a.pool.reserveLocked(deviceID, job.ID); err != nil {
		// Lost a race inside the same lock cannot happen; this guards
		// health changing between match and reserve in future edits.
		return "", fmt.Errorf("%w: %v", ErrNoDeviceAvailable, err)
	}
	return deviceID, nil
}

// AllocateGroup reserves one device per group member, all or nothing. If any
// member cannot be satisfied right now, no reservation survives and the
// group re-enters the wait queue. Holding the pool lock across the whole
// group keeps the invariant trivial: no state a concurrent allocation could
// observe ever contains a strict subset of the group.
func (a *Allocator) AllocateGroup(jobs []*types.JobDefinition) (map[string]string, error) {
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()

	assigned := make(map[string]string, len(jobs))
	rollback := func() {
		for jobID, deviceID := range assigned {
			d := a.pool.devices[deviceID]
			if d != nil && d.ReservedBy == jobID {
				d.ReservedBy = ""
				d.ReservedAt = nil
			}
		}
	}

	for _, job := range jobs {
		deviceID, err := a.matchLocked(&job.Selector)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("role %s: %w", job.Role, err)
		}
		if err := a.pool.reserveLocked(deviceID, job.ID); err != nil {
			rollback()
			return nil, fmt.Errorf("role %s: %w: %v", job.Role, ErrNoDeviceAvailable, err)
		}
		assigned[job.ID] = deviceID
	}
	return assigned, nil
}

// Release frees the device held by a job and wakes queue processing.
func (a *Allocator) Release(deviceID, jobID string) {
	a.pool.Release(deviceID, jobID)
}

// matchLocked selects an idle device for the selector. Caller holds the pool
// lock.
func (a *Allocator) matchLocked(sel *types.DeviceSelector) (string, error) {
	anyMatch := false
	var best *types.Device
	for _, d := range a.pool.devices {
		if sel.Device != "" && d.ID != sel.Device {
			continue
		}
		if sel.DeviceType != "" && d.DeviceType != sel.DeviceType {
			continue
		}
		if !d.HasTags(sel.Tags) {
			continue
		}
		ok, err := a.eval.Matches(sel.Restriction, d)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoMatchingDevice, err)
		}
		if !ok {
			continue
		}
		if d.Health == types.HealthRetired {
			continue
		}
		anyMatch = true
		if !d.Idle() {
			continue
		}
		// Deterministic pick across map iteration order.
		if best == nil || d.ID < best.ID {
			best = d
		}
	}
	if best != nil {
		return best.ID, nil
	}
	if anyMatch {
		return "", ErrNoDeviceAvailable
	}
	return "", ErrNoMatchingDevice
}
