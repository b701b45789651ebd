// ABOUTME: Activation deadlines for provisioned machines
// ABOUTME: An expired deadline without a fresh heartbeat deletes the machine and fails the agent

package machines

import (
	"context"
	"time"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/store"
)

const timerCleanupTimeout = 30 * time.Second

// startTimer arms the activation deadline for id, replacing any earlier one.
func (d *Driver) startTimer(id agent.ID, machineID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	key := id.String()
	if old, ok := d.timers[key]; ok {
		old.timer.Stop()
	}

	t := &activationTimer{machineID: machineID}
	t.timer = time.AfterFunc(d.cfg.ActivationTimeout, func() {
		d.fire(id, t)
	})
	d.timers[key] = t
}

// cancelTimer disarms id's deadline. A callback already running sees it was
// cancelled and does nothing.
func (d *Driver) cancelTimer(id agent.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id.String()
	if t, ok := d.timers[key]; ok {
		t.timer.Stop()
		delete(d.timers, key)
	}
}

// ObserveCheckin disarms id's activation deadline once the machine has
// checked in, and records it online in the local view.
func (d *Driver) ObserveCheckin(id agent.ID, endpoint string, hints map[string]string) {
	d.cancelTimer(id)
	d.states.Checkin(id, endpoint, hints)
}

// claim removes t from the table if it is still the armed timer for id.
func (d *Driver) claim(id agent.ID, t *activationTimer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id.String()
	if d.timers[key] != t {
		return false
	}
	delete(d.timers, key)
	return true
}

func (d *Driver) fire(id agent.ID, t *activationTimer) {
	if !d.claim(id, t) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timerCleanupTimeout)
	defer cancel()

	logger := d.logger.With("agent_id", id.String(), "machine_id", t.machineID)

	entry, err := d.roster(ctx, id)
	if err != nil {
		logger.Warn("activation deadline: roster lookup failed", "error", err)
		return
	}
	if d.reachable(entry) {
		d.metrics.ActivationTimer("online")
		return
	}

	logger.Warn("activation deadline exceeded, deleting machine", "timeout", d.cfg.ActivationTimeout)
	if err := d.api.DeleteMachine(ctx, t.machineID, true); err != nil {
		logger.Warn("failed to delete machine after activation deadline", "error", err)
	}

	d.states.Timeout(id)

	status := store.RosterError
	if err := d.store.UpdateRosterEntry(ctx, keyOf(id), store.RosterUpdate{Status: &status}); err != nil {
		logger.Warn("failed to persist error status", "error", err)
	}
	d.metrics.ActivationTimer("cleaned_up")
	if d.onStatus != nil {
		d.onStatus(id, status)
	}
}

// pendingTimers returns the number of armed activation deadlines.
func (d *Driver) pendingTimers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
