package state

import "github.com/google/uuid"

// Manager owns every live connection and the room membership relation.
// Membership is indexed both ways (connection -> rooms, room -> connections)
// and both sides change together.
type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string) (*Connection, error)
	// MarkConnected moves a registered connection from Connecting to Connected.
	MarkConnected(connID uuid.UUID) error
	// DeregisterConnection removes the connection and all of its memberships,
	// returning the rooms it was in and the members left in each. A second
	// call for the same id returns ErrConnectionNotFound.
	DeregisterConnection(connID uuid.UUID) (map[string][]*Connection, error)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	AllConnections() []*Connection
	ConnectionCountByIP(ipAddr string) int
	FindOldestIPConnection(ipAddr string) (*Connection, bool)

	// --- Room & Membership Management ---
	// Join adds the connection to the room, creating the room if needed. It
	// returns the members present before the join and whether anything changed.
	Join(connID uuid.UUID, roomID string) (others []*Connection, joined bool, err error)
	// Leave removes the connection from the room, returning the remaining
	// members. Empty rooms are deleted.
	Leave(connID uuid.UUID, roomID string) (remaining []*Connection, left bool, err error)
	// RoomMembers and Rooms are read-only views for inspection and tests;
	// the event path only goes through Join, Leave and DeregisterConnection.
	RoomMembers(roomID string) []*Connection
	Rooms(connID uuid.UUID) []string
	RoomCount() int
}
