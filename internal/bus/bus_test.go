// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"testing"
	"time"

	"github.com/neilvibe/ldm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestJoinReceivesPresence(t *testing.T) {
	b := New(nil)
	sub := b.Join("file-1", "alice")
	defer sub.Close()

	select {
	case ev := <-sub.C:
		require.Equal(t, EventPresence, ev.Type)
		require.Contains(t, ev.Users, "alice")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	sub1 := b.Join("file-1", "alice")
	defer sub1.Close()
	<-sub1.C // initial presence

	sub2 := b.Join("file-1", "bob")
	defer sub2.Close()
	<-sub1.C // presence update from bob joining
	<-sub2.C // bob's own initial presence

	b.PublishCellUpdate("file-1", rowFixture())

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C:
			require.Equal(t, EventCellUpdate, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for cell_update")
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(nil)
	sub := b.Join("file-1", "alice")
	<-sub.C // initial presence

	for i := 0; i < DefaultQueueSize+10; i++ {
		b.PublishLockAcquired("file-1", "row-1", "alice")
	}

	require.Equal(t, 0, b.RoomSize("file-1"), "slow subscriber should have been dropped from the room")
}

func TestRoomClosesOnLastLeave(t *testing.T) {
	b := New(nil)
	sub := b.Join("file-1", "alice")
	require.Equal(t, 1, b.RoomSize("file-1"))

	sub.Close()
	require.Equal(t, 0, b.RoomSize("file-1"))
}

func TestPublishToUnknownRoomIsNoop(t *testing.T) {
	b := New(nil)
	require.NotPanics(t, func() {
		b.PublishCellUpdate("nonexistent", rowFixture())
	})
}

func rowFixture() model.Row {
	return model.Row{ID: "row-1", Target: "Bonjour", UpdatedBy: "alice", Version: 2}
}
