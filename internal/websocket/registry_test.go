package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryJoinsAndLeaves(t *testing.T) {
	tests := []struct {
		joins  int
		leaves int
	}{
		{joins: 1, leaves: 0},
		{joins: 1, leaves: 1},
		{joins: 2, leaves: 1},
		{joins: 3, leaves: 3},
		{joins: 5, leaves: 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d joins %d leaves", tt.joins, tt.leaves), func(t *testing.T) {
			r := NewRegistry()
			c := &Client{id: "c1"}
			r.Register(c)
			room := RoomName("O1")

			for i := 0; i < tt.joins; i++ {
				r.Join(room, c)
			}
			for i := 0; i < tt.leaves; i++ {
				assert.True(t, r.Leave(room, c))
			}

			assert.Equal(t, tt.joins > tt.leaves, r.IsMember(room, c))
			assert.Equal(t, tt.joins > tt.leaves, r.HasRoom(room))
		})
	}
}

func TestRegistryLeaveWithoutJoin(t *testing.T) {
	r := NewRegistry()
	c := &Client{id: "c1"}
	r.Register(c)

	assert.False(t, r.Leave(RoomName("O1"), c))
	assert.Equal(t, 0, r.RoomCount())
}

func TestRegistryUnregisterPurgesMembership(t *testing.T) {
	r := NewRegistry()
	a := &Client{id: "a"}
	b := &Client{id: "b"}
	r.Register(a)
	r.Register(b)

	r.Join(RoomName("O2"), a)
	r.Join(RoomName("O1"), a)
	r.Join(RoomName("O1"), b)

	rooms, ok := r.Unregister(a)
	require.True(t, ok)
	assert.Equal(t, []string{"order_O1", "order_O2"}, rooms)

	assert.False(t, r.IsMember(RoomName("O1"), a))
	assert.False(t, r.HasRoom(RoomName("O2")), "empty room should be deleted")
	assert.True(t, r.IsMember(RoomName("O1"), b))
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Equal(t, 1, r.RoomCount())

	_, ok = r.Unregister(a)
	assert.False(t, ok)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	room := RoomName("O1")

	var wg sync.WaitGroup
	clients := make([]*Client, 50)
	for i := range clients {
		clients[i] = &Client{id: fmt.Sprintf("c%d", i)}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			r.Register(c)
			r.Join(room, c)
			r.Members(room)
			r.Unregister(c)
		}(clients[i])
	}
	wg.Wait()

	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, 0, r.RoomCount())
	for _, c := range clients {
		assert.False(t, r.IsMember(room, c))
	}
}
