package statemanager

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/vibemap/pkg/state"
	"github.com/google/uuid"
)

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	byIP  map[string]map[uuid.UUID]struct{}

	// the two sides of the membership relation
	rooms       map[string]map[uuid.UUID]*state.Connection
	memberships map[uuid.UUID]map[string]struct{}

	mu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:       make(map[uuid.UUID]*state.Connection),
		byIP:        make(map[string]map[uuid.UUID]struct{}),
		rooms:       make(map[string]map[uuid.UUID]*state.Connection),
		memberships: make(map[uuid.UUID]map[string]struct{}),
		logger:      logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(t state.Transport, ipAddr string) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrConnectionExists
	}
	newConn := state.NewConnection(t, ipAddr)
	m.conns[connID] = newConn
	m.memberships[connID] = make(map[string]struct{})

	ips, ok := m.byIP[ipAddr]
	if !ok {
		ips = make(map[uuid.UUID]struct{})
		m.byIP[ipAddr] = ips
	}
	ips[connID] = struct{}{}

	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) MarkConnected(connID uuid.UUID) error {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mark connected %s: %w", connID, state.ErrConnectionNotFound)
	}
	if !conn.Advance(state.Connected) {
		return fmt.Errorf("mark connected %s (state %s): %w", connID, conn.State(), state.ErrNotConnected)
	}
	return nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (map[string][]*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return nil, state.ErrConnectionNotFound
	}
	conn.Advance(state.Disconnected)
	delete(m.conns, connID)

	if ips, ok := m.byIP[conn.IPAddress]; ok {
		delete(ips, connID)
		if len(ips) == 0 {
			delete(m.byIP, conn.IPAddress)
		}
	}

	left := make(map[string][]*state.Connection, len(m.memberships[connID]))
	for roomID := range m.memberships[connID] {
		left[roomID] = m.removeMemberLocked(connID, roomID)
	}
	delete(m.memberships, connID)

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.Int("rooms", len(left)))
	return left, nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) ConnectionCountByIP(ipAddr string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIP[ipAddr])
}

func (m *InMemoryManager) FindOldestIPConnection(ipAddr string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for connID := range m.byIP[ipAddr] {
		conn := m.conns[connID]
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// --- Room & Membership Management ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomID string) ([]*state.Connection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms, ok := m.memberships[connID]
	if !ok {
		return nil, false, fmt.Errorf("join %q: %w", roomID, state.ErrConnectionNotFound)
	}
	if _, already := rooms[roomID]; already {
		return nil, false, nil
	}

	members, exists := m.rooms[roomID]
	if !exists {
		members = make(map[uuid.UUID]*state.Connection)
		m.rooms[roomID] = members
	}
	others := make([]*state.Connection, 0, len(members))
	for _, c := range members {
		others = append(others, c)
	}

	members[connID] = m.conns[connID]
	rooms[roomID] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return others, true, nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomID string) ([]*state.Connection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms, ok := m.memberships[connID]
	if !ok {
		return nil, false, fmt.Errorf("leave %q: %w", roomID, state.ErrConnectionNotFound)
	}
	if _, member := rooms[roomID]; !member {
		return nil, false, nil
	}
	delete(rooms, roomID)
	remaining := m.removeMemberLocked(connID, roomID)

	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return remaining, true, nil
}

// removeMemberLocked drops connID from the room side of the index and returns
// who is left. The caller holds mu and updates the membership side.
func (m *InMemoryManager) removeMemberLocked(connID uuid.UUID, roomID string) []*state.Connection {
	members, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	delete(members, connID)

	// For memory hygiene, remove the room if it's now empty.
	if len(members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
		return nil
	}

	remaining := make([]*state.Connection, 0, len(members))
	for _, c := range members {
		remaining = append(remaining, c)
	}
	return remaining
}

func (m *InMemoryManager) RoomMembers(roomID string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]*state.Connection, 0, len(m.rooms[roomID]))
	for _, c := range m.rooms[roomID] {
		members = append(members, c)
	}
	return members
}

// Rooms returns the rooms connID is in, sorted.
func (m *InMemoryManager) Rooms(connID uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.memberships[connID]))
	for roomID := range m.memberships[connID] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func (m *InMemoryManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
