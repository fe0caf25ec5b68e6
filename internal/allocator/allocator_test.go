package allocator

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/devicelab/conductor/pkg/types"
)

func device(id, deviceType string, tags ...string) *types.Device {
	return &types.Device{
		ID:         id,
		DeviceType: deviceType,
		Tags:       tags,
		Health:     types.HealthGood,
	}
}

func job(id, deviceType string, tags ...string) *types.JobDefinition {
	return &types.JobDefinition{
		ID: id,
		Selector: types.DeviceSelector{
			DeviceType: deviceType,
			Tags:       tags,
		},
	}
}

func TestAllocate_Matching(t *testing.T) {
	pool := NewPool()
	pool.Add(device("bbb-01", "beaglebone", "usb"))
	pool.Add(device("bbb-02", "beaglebone"))
	pool.Add(device("qemu-01", "qemu"))
	a := New(pool)

	t.Run("device type equality", func(t *testing.T) {
		id, err := a.Allocate(job("j1", "qemu"))
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if id != "qemu-01" {
			t.Errorf("allocated %s, want qemu-01", id)
		}
		a.Release(id, "j1")
	})

	t.Run("tag superset", func(t *testing.T) {
		id, err := a.Allocate(job("j2", "beaglebone", "usb"))
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if id != "bbb-01" {
			t.Errorf("allocated %s, want bbb-01", id)
		}
		a.Release(id, "j2")
	})

	t.Run("no matching type is permanent", func(t *testing.T) {
		_, err := a.Allocate(job("j3", "raspberry-pi"))
		if !errors.Is(err, ErrNoMatchingDevice) {
			t.Fatalf("expected ErrNoMatchingDevice, got %v", err)
		}
	})

	t.Run("busy pool is transient", func(t *testing.T) {
		id, err := a.Allocate(job("j4", "qemu"))
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		_, err = a.Allocate(job("j5", "qemu"))
		if !errors.Is(err, ErrNoDeviceAvailable) {
			t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
		}
		a.Release(id, "j4")
	})

	t.Run("maintenance devices do not allocate", func(t *testing.T) {
		pool.SetHealth("qemu-01", types.HealthMaintenance)
		_, err := a.Allocate(job("j6", "qemu"))
		if !errors.Is(err, ErrNoDeviceAvailable) {
			t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
		}
		pool.SetHealth("qemu-01", types.HealthGood)
	})

	t.Run("retired devices do not match at all", func(t *testing.T) {
		pool.SetHealth("qemu-01", types.HealthRetired)
		_, err := a.Allocate(job("j7", "qemu"))
		if !errors.Is(err, ErrNoMatchingDevice) {
			t.Fatalf("expected ErrNoMatchingDevice, got %v", err)
		}
		pool.SetHealth("qemu-01", types.HealthGood)
	})
}

func TestAllocate_Restriction(t *testing.T) {
	pool := NewPool()
	small := device("qemu-small", "qemu")
	small.Attributes = map[string]any{"memory_mb": 512}
	big := device("qemu-big", "qemu")
	big.Attributes = map[string]any{"memory_mb": 4096}
	pool.Add(small)
	pool.Add(big)
	a := New(pool)

	j := job("j1", "qemu")
	j.Selector.Restriction = "memory_mb >= 2048"
	id, err := a.Allocate(j)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != "qemu-big" {
		t.Errorf("allocated %s, want qemu-big", id)
	}
}

// Reservation is mutually exclusive: concurrent attempts against one device
// produce exactly one winner.
func TestAllocate_MutualExclusion(t *testing.T) {
	pool := NewPool()
	pool.Add(device("only", "qemu"))
	a := New(pool)

	const attempts = 64
	var wg sync.WaitGroup
	won := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := fmt.Sprintf("job-%d", i)
			if _, err := a.Allocate(job(jobID, "qemu")); err == nil {
				won <- jobID
			}
		}(i)
	}
	wg.Wait()
	close(won)

	var winners []string
	for id := range won {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}
	d, _ := pool.Get("only")
	if d.ReservedBy != winners[0] {
		t.Errorf("device reserved by %s, winner was %s", d.ReservedBy, winners[0])
	}
}

// A MultiNode group of 2 roles with only 1 available device reserves
// nothing.
func TestAllocateGroup_AllOrNothing(t *testing.T) {
	pool := NewPool()
	pool.Add(device("qemu-01", "qemu"))
	a := New(pool)

	group := []*types.JobDefinition{
		job("member-0", "qemu"),
		job("member-1", "qemu"),
	}
	group[0].Role = "server"
	group[1].Role = "client"

	_, err := a.AllocateGroup(group)
	if !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
	}
	d, _ := pool.Get("qemu-01")
	if d.ReservedBy != "" {
		t.Errorf("device still reserved by %q after failed group allocation", d.ReservedBy)
	}

	// Adding the second device lets the whole group in.
	pool.Add(device("qemu-02", "qemu"))
	assigned, err := a.AllocateGroup(group)
	if err != nil {
		t.Fatalf("AllocateGroup: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assigned))
	}
	if assigned["member-0"] == assigned["member-1"] {
		t.Errorf("both members got device %s", assigned["member-0"])
	}
}

func TestRelease_OnlyHolderReleases(t *testing.T) {
	pool := NewPool()
	pool.Add(device("d1", "qemu"))
	a := New(pool)

	if _, err := a.Allocate(job("holder", "qemu")); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Release("d1", "intruder")
	d, _ := pool.Get("d1")
	if d.ReservedBy != "holder" {
		t.Errorf("release by non-holder cleared reservation")
	}
	a.Release("d1", "holder")
	d, _ = pool.Get("d1")
	if d.ReservedBy != "" {
		t.Errorf("release by holder did not clear reservation")
	}
}

func TestPool_ReleaseSignal(t *testing.T) {
	pool := NewPool()
	pool.Add(device("d1", "qemu"))
	a := New(pool)

	if _, err := a.Allocate(job("j1", "qemu")); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Release("d1", "j1")
	select {
	case <-pool.Released():
	default:
		t.Error("release did not signal")
	}
}
