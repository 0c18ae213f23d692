package signaling

import "sync"

// connTable is the live-connection registry: roomID -> participantID -> conn.
// It shadows room membership; the room registry remains authoritative.
type connTable struct {
	mu    sync.Mutex
	rooms map[string]map[string]*client
}

func newConnTable() *connTable {
	return &connTable{rooms: make(map[string]map[string]*client)}
}

func (t *connTable) put(roomID, userID string, c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers, ok := t.rooms[roomID]
	if !ok {
		peers = make(map[string]*client)
		t.rooms[roomID] = peers
	}
	peers[userID] = c
}

// remove drops the connection, but only if it is still the registered one for
// that participant (a reconnect may have replaced it).
func (t *connTable) remove(roomID, userID string, c *client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers, ok := t.rooms[roomID]
	if !ok || peers[userID] != c {
		return false
	}
	delete(peers, userID)
	if len(peers) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

func (t *connTable) get(roomID, userID string) (*client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.rooms[roomID][userID]
	return c, ok
}

// peersExcept returns every connection in the room except the named one.
func (t *connTable) peersExcept(roomID, exceptUserID string) []*client {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := t.rooms[roomID]
	out := make([]*client, 0, len(peers))
	for id, c := range peers {
		if id == exceptUserID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (t *connTable) all() []*client {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*client
	for _, peers := range t.rooms {
		for _, c := range peers {
			out = append(out, c)
		}
	}
	return out
}
