// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Runs the same suite against SQLite (in memory) and MockStore

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"sqlite": func() Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"mock": func() Store { return NewMockStore() },
	}
}

func seedRoster(t *testing.T, s Store, callsign string) RosterKey {
	t.Helper()
	e := &RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: callsign}
	require.NoError(t, s.CreateRosterEntry(context.Background(), e))
	return e.Key()
}

func TestStore_Roster(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			_, err := s.GetRosterByCallsign(ctx, "space", "chan", "fox")
			assert.True(t, errors.Is(err, ErrNotFound))

			key := seedRoster(t, s, "fox")
			e, err := s.GetRosterByCallsign(ctx, "space", "chan", "fox")
			require.NoError(t, err)
			assert.Equal(t, RosterOffline, e.Status)
			assert.Nil(t, e.LastHeartbeat)
			assert.Empty(t, e.CallbackURL)

			now := time.Now().Truncate(time.Millisecond)
			status := RosterOnline
			url := "http://agent:4100"
			provider := RouteHints{"fly-force-instance-id": "m-123"}
			require.NoError(t, s.UpdateRosterEntry(ctx, key, RosterUpdate{
				Status:             &status,
				CallbackURL:        &url,
				LastHeartbeat:      &now,
				ProviderRouteHints: &provider,
			}))

			e, err = s.GetRosterByCallsign(ctx, "space", "chan", "fox")
			require.NoError(t, err)
			assert.Equal(t, RosterOnline, e.Status)
			assert.Equal(t, url, e.CallbackURL)
			require.NotNil(t, e.LastHeartbeat)
			assert.True(t, now.Equal(*e.LastHeartbeat))
			assert.Equal(t, "m-123", e.ProviderRouteHints["fly-force-instance-id"])

			// Updating unrelated fields leaves hints alone.
			container := RouteHints{"x-instance": "c-1"}
			require.NoError(t, s.UpdateRosterEntry(ctx, key, RosterUpdate{ContainerRouteHints: &container}))
			e, _ = s.GetRosterByCallsign(ctx, "space", "chan", "fox")
			assert.Equal(t, "m-123", e.ProviderRouteHints["fly-force-instance-id"])
			assert.Equal(t, "c-1", e.ContainerRouteHints["x-instance"])
			assert.Equal(t, url, e.CallbackURL)

			empty := RouteHints{}
			require.NoError(t, s.UpdateRosterEntry(ctx, key, RosterUpdate{ProviderRouteHints: &empty}))
			e, _ = s.GetRosterByCallsign(ctx, "space", "chan", "fox")
			assert.Empty(t, e.ProviderRouteHints)

			err = s.UpdateRosterEntry(ctx, RosterKey{SpaceID: "space", ChannelID: "chan", Callsign: "ghost"}, RosterUpdate{Status: &status})
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_ListRoster(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			seedRoster(t, s, "fox")
			key := seedRoster(t, s, "bear")
			require.NoError(t, s.CreateRosterEntry(ctx, &RosterEntry{SpaceID: "space", ChannelID: "other", Callsign: "owl"}))

			entries, err := s.ListRoster(ctx, "space", "chan")
			require.NoError(t, err)
			assert.Len(t, entries, 2)

			err = s.CreateRosterEntry(ctx, &RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox"})
			assert.ErrorIs(t, err, ErrAlreadyExists)

			rt := "rt-1"
			require.NoError(t, s.UpdateRosterEntry(ctx, key, RosterUpdate{RuntimeID: &rt}))
			bound, err := s.ListRosterByRuntime(ctx, "rt-1")
			require.NoError(t, err)
			require.Len(t, bound, 1)
			assert.Equal(t, "bear", bound[0].Callsign)
		})
	}
}

func TestStore_AdvanceReadmark(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			key := seedRoster(t, s, "fox")

			first, second := NewMessageID(), NewMessageID()
			require.Less(t, first, second)

			moved, err := s.AdvanceReadmark(ctx, key, second)
			require.NoError(t, err)
			assert.True(t, moved)

			moved, err = s.AdvanceReadmark(ctx, key, first)
			require.NoError(t, err)
			assert.False(t, moved, "readmark must never regress")

			e, _ := s.GetRosterByCallsign(ctx, "space", "chan", "fox")
			assert.Equal(t, second, e.Readmark)

			_, err = s.AdvanceReadmark(ctx, RosterKey{SpaceID: "space", ChannelID: "chan", Callsign: "ghost"}, second)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_Messages(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			var ids []string
			for i, addressed := range [][]string{{"fox"}, {"bear"}, {"fox", "bear"}} {
				id := NewMessageID()
				ids = append(ids, id)
				require.NoError(t, s.SaveMessage(ctx, &Message{
					ID:              id,
					SpaceID:         "space",
					ChannelID:       "chan",
					Sender:          "human",
					SenderIsHuman:   true,
					Content:         []string{"one", "two", "three"}[i],
					AddressedAgents: addressed,
				}))
			}

			all, err := s.GetMessages(ctx, MessageQuery{SpaceID: "space", ChannelID: "chan"})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "one", all[0].Content)
			assert.True(t, all[0].SenderIsHuman)
			assert.True(t, all[2].IsAddressedTo("bear"))

			since, err := s.GetMessages(ctx, MessageQuery{SpaceID: "space", ChannelID: "chan", SinceID: ids[0]})
			require.NoError(t, err)
			require.Len(t, since, 2)
			assert.Equal(t, ids[1], since[0].ID)

			limited, err := s.GetMessages(ctx, MessageQuery{SpaceID: "space", ChannelID: "chan", Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_Runtimes(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			_, err := s.GetRuntime(ctx, "rt-1")
			assert.True(t, errors.Is(err, ErrNotFound))

			rt := &RuntimeRecord{ID: "rt-1", SpaceID: "space", Name: "laptop", Status: RuntimeOnline,
				MachineInfo: map[string]any{"os": "linux"}}
			require.NoError(t, s.UpsertRuntime(ctx, rt))
			require.NoError(t, s.UpsertRuntime(ctx, rt))

			got, err := s.GetRuntime(ctx, "rt-1")
			require.NoError(t, err)
			assert.Equal(t, "laptop", got.Name)
			assert.Equal(t, "linux", got.MachineInfo["os"])

			seen := time.Now()
			require.NoError(t, s.TouchRuntime(ctx, "rt-1", seen))
			require.NoError(t, s.UpdateRuntimeStatus(ctx, "rt-1", RuntimeOffline, seen))
			got, _ = s.GetRuntime(ctx, "rt-1")
			assert.Equal(t, RuntimeOffline, got.Status)
			require.NotNil(t, got.LastSeen)

			assert.True(t, errors.Is(s.TouchRuntime(ctx, "missing", seen), ErrNotFound))
		})
	}
}

func TestStore_Channels(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			require.NoError(t, s.UpsertChannel(ctx, &Channel{SpaceID: "space", ChannelID: "chan", Name: "general"}))
			require.NoError(t, s.UpsertChannel(ctx, &Channel{SpaceID: "space", ChannelID: "chan", Name: "ops"}))

			ch, err := s.GetChannel(ctx, "space", "chan")
			require.NoError(t, err)
			assert.Equal(t, "ops", ch.Name)

			_, err = s.GetChannel(ctx, "space", "nope")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestMergeRouteHints(t *testing.T) {
	merged := MergeRouteHints(
		RouteHints{"fly-force-instance-id": "provider"},
		RouteHints{"fly-force-instance-id": "container", "x-extra": "1"},
	)
	assert.Equal(t, "provider", merged["fly-force-instance-id"])
	assert.Equal(t, "1", merged["x-extra"])
	assert.Nil(t, MergeRouteHints(nil, nil))
}

func TestRosterStatus_IsMuted(t *testing.T) {
	assert.True(t, RosterPaused.IsMuted())
	assert.True(t, RosterArchived.IsMuted())
	assert.False(t, RosterOnline.IsMuted())
}

func TestRosterStatus_AfterCheckin(t *testing.T) {
	for _, s := range []RosterStatus{RosterOffline, RosterActivating, RosterOnline, RosterBusy, RosterError} {
		assert.Equal(t, RosterOnline, s.AfterCheckin(), string(s))
	}
	assert.Equal(t, RosterPaused, RosterPaused.AfterCheckin())
	assert.Equal(t, RosterArchived, RosterArchived.AfterCheckin())
}
