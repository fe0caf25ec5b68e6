package types

import "time"

// HealthState tracks whether a device may be scheduled.
type HealthState string

const (
	HealthGood        HealthState = "good"
	HealthMaintenance HealthState = "maintenance"
	HealthRetired     HealthState = "retired"
)

// Device is a physical or virtual target under test. A device is reserved by
// at most one job at a time; the reservation slot is owned by the allocator.
type Device struct {
	ID         string            `json:"id" yaml:"id"`
	DeviceType string            `json:"device_type" yaml:"device_type"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Health     HealthState       `json:"health" yaml:"health,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty" yaml:"-"`
	Attributes map[string]any    `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Console    map[string]string `json:"console,omitempty" yaml:"console,omitempty"`

	// ReservedBy is the job currently holding the device, empty when idle.
	ReservedBy string     `json:"reserved_by,omitempty" yaml:"-"`
	ReservedAt *time.Time `json:"reserved_at,omitempty" yaml:"-"`
}

// Idle reports whether the device can accept a reservation.
func (d *Device) Idle() bool {
	return d.Health == HealthGood && d.ReservedBy == ""
}

// HasTags reports whether the device carries every tag in want.
func (d *Device) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(d.Tags))
	for _, t := range d.Tags {
		have[t] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}
