package websocket

import (
	"sort"
	"sync"
)

const roomPrefix = "order_"

// RoomName is the broadcast scope for one order.
func RoomName(orderID string) string {
	return roomPrefix + orderID
}

// Registry tracks live connections and order room membership. Every method
// is a single step under the lock; nothing is held across I/O.
//
// Membership is counted per connection, so a connection that joined a room
// twice stays a member until it has left twice.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]int
	joined  map[*Client]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]int),
		joined:  make(map[*Client]map[string]struct{}),
	}
}

// Register adds a connection and returns the connection count.
func (r *Registry) Register(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
	return len(r.clients)
}

// Unregister removes a connection from the registry and from every room it
// belonged to. It returns those rooms, sorted, and false if the connection
// was not registered.
func (r *Registry) Unregister(c *Client) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return nil, false
	}
	delete(r.clients, c)

	rooms := make([]string, 0, len(r.joined[c]))
	for room := range r.joined[c] {
		rooms = append(rooms, room)
		members := r.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.joined, c)
	sort.Strings(rooms)
	return rooms, true
}

// Join records one join of c to room and returns c's join count.
func (r *Registry) Join(room string, c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]int)
		r.rooms[room] = members
	}
	members[c]++

	rooms, ok := r.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[c] = rooms
	}
	rooms[room] = struct{}{}
	return members[c]
}

// Leave undoes one join of c to room. It reports false if c was not a member.
func (r *Registry) Leave(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok || members[c] == 0 {
		return false
	}
	members[c]--
	if members[c] > 0 {
		return true
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	delete(r.joined[c], room)
	if len(r.joined[c]) == 0 {
		delete(r.joined, c)
	}
	return true
}

// Members returns a snapshot of the connections in room.
func (r *Registry) Members(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		members = append(members, c)
	}
	return members
}

func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) IsMember(room string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[room][c] > 0
}

func (r *Registry) HasRoom(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
