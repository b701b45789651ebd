// ABOUTME: Tests for the in-memory StateMachine table
// ABOUTME: Validates per-agent bookkeeping, queries and concurrent access

package agent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Lifecycle(t *testing.T) {
	sm := NewStateMachine(nil)
	id := NewID("space", "chan", "fox")

	st := sm.Activate(id)
	assert.Equal(t, StatusActivating, st.Status)
	assert.False(t, st.ActivatedAt.IsZero())
	assert.False(t, sm.IsOnline(id))

	sm.SetContainer(id, &Container{ContainerID: "c1", Runtime: "docker"}, 4100)

	st = sm.Checkin(id, "http://10.0.0.2:4100", map[string]string{"x-route": "a"})
	assert.Equal(t, StatusOnline, st.Status)
	assert.Equal(t, "http://10.0.0.2:4100", st.Endpoint)
	assert.True(t, sm.IsOnline(id))

	assert.Equal(t, StatusBusy, sm.Frame(id, false).Status)
	assert.True(t, sm.IsOnline(id))
	assert.Equal(t, StatusOnline, sm.Frame(id, true).Status)

	st = sm.Suspend(id)
	assert.Equal(t, StatusOffline, st.Status)
	assert.Nil(t, st.Container)
	assert.Empty(t, st.Endpoint)
	assert.Zero(t, st.Port)
}

func TestStateMachine_CheckinKeepsHintsWhenNil(t *testing.T) {
	sm := NewStateMachine(nil)
	id := NewID("s", "c", "owl")

	sm.Checkin(id, "http://a", map[string]string{"fly-force-instance-id": "m1"})
	st := sm.Checkin(id, "http://a", nil)
	assert.Equal(t, "m1", st.RouteHints["fly-force-instance-id"])
}

func TestStateMachine_SnapshotsAreCopies(t *testing.T) {
	sm := NewStateMachine(nil)
	id := NewID("s", "c", "owl")
	sm.Checkin(id, "http://a", map[string]string{"k": "v"})

	st, ok := sm.GetState(id)
	require.True(t, ok)
	st.RouteHints["k"] = "mutated"

	again, _ := sm.GetState(id)
	assert.Equal(t, "v", again.RouteHints["k"])
}

func TestStateMachine_ActivationExpired(t *testing.T) {
	sm := NewStateMachine(nil)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return clock }
	id := NewID("s", "c", "fox")

	st := sm.Activate(id)
	assert.False(t, st.ActivationExpired(clock.Add(time.Minute), 3*time.Minute))
	assert.True(t, st.ActivationExpired(clock.Add(4*time.Minute), 3*time.Minute))

	// A repeated activate keeps the original start time.
	clock = clock.Add(2 * time.Minute)
	st = sm.Activate(id)
	assert.Equal(t, clock.Add(-2*time.Minute), st.ActivatedAt)

	// Re-entering activating after a failure restarts the clock.
	sm.Timeout(id)
	st = sm.Activate(id)
	assert.Equal(t, clock, st.ActivatedAt)
	assert.False(t, st.ActivationExpired(clock.Add(time.Minute), 3*time.Minute))

	online := sm.Checkin(id, "http://fox", nil)
	assert.False(t, online.ActivationExpired(clock.Add(time.Hour), 3*time.Minute), "only activating agents expire")
}

func TestStateMachine_TimeoutAndQueries(t *testing.T) {
	sm := NewStateMachine(nil)
	a := NewID("s", "c", "a")
	b := NewID("s", "c", "b")

	sm.Activate(a)
	sm.Checkin(b, "http://b", nil)

	assert.Equal(t, StatusError, sm.Timeout(a).Status)
	assert.Equal(t, StatusOnline, sm.Timeout(b).Status)

	online := sm.GetAllOnline()
	require.Len(t, online, 1)
	assert.Equal(t, b, online[0].AgentID)

	sm.RemoveAgent(b)
	_, ok := sm.GetState(b)
	assert.False(t, ok)

	sm.Clear()
	assert.Equal(t, 0, sm.Len())
}

func TestStateMachine_HeartbeatUnknown(t *testing.T) {
	sm := NewStateMachine(nil)
	_, ok := sm.Heartbeat(NewID("s", "c", "ghost"))
	assert.False(t, ok)
}

func TestStateMachine_Concurrent(t *testing.T) {
	sm := NewStateMachine(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := NewID("s", "c", fmt.Sprintf("a%d", i))
			sm.Activate(id)
			sm.Checkin(id, "http://x", nil)
			sm.Frame(id, i%2 == 0)
		}(i)
	}
	wg.Wait()
	assert.Len(t, sm.GetAllOnline(), 50)
}
