// Package room describes chat rooms: the tagged room info shared with
// clients and the development backend's room registry with presence.
package room

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Room is a chat room known to the backend.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GuildName string    `json:"guild_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	members map[string]struct{}
}

// Kind returns the room kind derived from its id.
func (r *Room) Kind() Kind {
	return KindOf(r.ID)
}

// Manager tracks rooms and which users have joined them.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a new room Manager.
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
	}
}

// Create registers a room with the given id. An existing room is returned
// unchanged.
func (m *Manager) Create(id, name, guildName string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r
	}
	if name == "" {
		name = defaultName(id)
	}
	r := &Room{
		ID:        id,
		Name:      name,
		GuildName: guildName,
		CreatedAt: time.Now(),
		members:   make(map[string]struct{}),
	}
	m.rooms[id] = r
	return r
}

// Ensure returns the room with id, creating it on first use.
func (m *Manager) Ensure(id string) *Room {
	if r := m.Get(id); r != nil {
		return r
	}
	return m.Create(id, "", "")
}

func defaultName(id string) string {
	if name, ok := strings.CutPrefix(id, GuildPrefix); ok {
		return name
	}
	return id
}

// Get returns a room by ID, or nil if not found.
func (m *Manager) Get(id string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// Join records userID as present in room id and returns the member count.
// Joining twice counts once.
func (m *Manager) Join(id, userID string) int {
	r := m.Ensure(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	r.members[userID] = struct{}{}
	return len(r.members)
}

// Leave removes userID from room id and returns the member count.
func (m *Manager) Leave(id, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return 0
	}
	delete(r.members, userID)
	return len(r.members)
}

// Info builds the tagged room description for id, or false if the room
// is unknown.
func (m *Manager) Info(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return Info{}, false
	}
	info := Info{
		ID:          r.ID,
		Kind:        r.Kind(),
		Name:        r.Name,
		MemberCount: len(r.members),
	}
	if info.Kind == KindGuild {
		info.Guild = &Guild{
			GuildID: strings.TrimPrefix(r.ID, GuildPrefix),
			Name:    r.GuildName,
		}
	}
	return info, true
}

// List returns all rooms sorted by member count (descending), then id.
func (m *Manager) List() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		ci, cj := len(result[i].members), len(result[j].members)
		if ci != cj {
			return ci > cj
		}
		return result[i].ID < result[j].ID
	})
	return result
}
