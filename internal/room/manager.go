package room

import (
	"sync"

	"github.com/modelguard/relay/internal/relay"
	"go.uber.org/zap"
)

const (
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
)

type UserJoined struct {
	ConnectionId string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

type UserLeft struct {
	ConnectionId string `json:"connectionId"`
}

// Occupant is one user currently present in a room, addressed by one of
// their connections.
type Occupant struct {
	ConnectionId string
	UserId       string
	DisplayName  string
}

// Manager owns the join/leave state machine for the two room dimensions.
// Per connection and dimension the state is either no room or exactly one
// room; switching rooms is an implicit leave followed by a join, and
// re-switching to the current room is a no-op.
//
// Presence announcements are user-level: user_joined goes out when a
// user's first connection enters a room, user_left when their last one
// leaves it, so a second tab never produces duplicate traffic.
type Manager struct {
	logger   *zap.Logger
	registry relay.Registry

	mu sync.Mutex
	// roomKey -> userId -> connectionIds
	members map[string]map[string]map[string]struct{}
}

func NewManager(
	logger *zap.Logger,
	registry relay.Registry,
) *Manager {
	return &Manager{
		logger:   logger,
		registry: registry,
		members:  make(map[string]map[string]map[string]struct{}),
	}
}

// Switch moves a connection to newKey in the given dimension, leaving the
// previous room of that dimension first when there is one.
func (m *Manager) Switch(dimension relay.RoomDimension, conn *relay.Connection, newKey string) {
	current := conn.Room(dimension)
	if current == newKey {
		return
	}

	if current != "" {
		m.leave(dimension, conn, current)
	}

	m.join(dimension, conn, newKey)
}

// Leave removes the connection from its current room of the dimension, if
// any.
func (m *Manager) Leave(dimension relay.RoomDimension, conn *relay.Connection) {
	current := conn.Room(dimension)
	if current == "" {
		return
	}

	m.leave(dimension, conn, current)
}

// DisconnectCleanup unwinds both room dimensions for a closing connection.
func (m *Manager) DisconnectCleanup(conn *relay.Connection) {
	m.Leave(relay.ProjectDimension, conn)
	m.Leave(relay.CatalogDimension, conn)
}

// Occupants lists the users present in a room, one entry per user.
func (m *Manager) Occupants(roomKey string) []Occupant {
	connections := m.registry.Occupants(roomKey)

	seen := make(map[string]struct{}, len(connections))
	occupants := make([]Occupant, 0, len(connections))

	for _, connection := range connections {
		if _, ok := seen[connection.UserId]; ok {
			continue
		}
		seen[connection.UserId] = struct{}{}

		occupants = append(occupants, Occupant{
			ConnectionId: connection.Id,
			UserId:       connection.UserId,
			DisplayName:  connection.DisplayName,
		})
	}

	return occupants
}

func (m *Manager) join(dimension relay.RoomDimension, conn *relay.Connection, roomKey string) {
	err := m.registry.Join(roomKey, conn)
	if err != nil {
		m.logger.Warn("transport-level join failed",
			zap.String("roomKey", roomKey),
			zap.String("connectionId", conn.Id),
			zap.Error(err))
	}

	m.mu.Lock()

	roomMembers, ok := m.members[roomKey]
	if !ok {
		roomMembers = make(map[string]map[string]struct{})
		m.members[roomKey] = roomMembers
	}

	userConnections, ok := roomMembers[conn.UserId]
	if !ok {
		userConnections = make(map[string]struct{})
		roomMembers[conn.UserId] = userConnections
	}

	firstForUser := len(userConnections) == 0
	userConnections[conn.Id] = struct{}{}

	m.mu.Unlock()

	conn.SetRoom(dimension, roomKey)

	// Tell the joiner who is already present, one user_joined per user.
	for _, occupant := range m.Occupants(roomKey) {
		if occupant.UserId == conn.UserId {
			continue
		}

		envelope, err := relay.NewNotification(EventUserJoined, UserJoined{
			ConnectionId: occupant.ConnectionId,
			DisplayName:  occupant.DisplayName,
		})
		if err != nil {
			continue
		}

		m.registry.Send(conn.Id, envelope)
	}

	if !firstForUser {
		return
	}

	// Announce the arrival to everyone else in the room.
	envelope, err := relay.NewNotification(EventUserJoined, UserJoined{
		ConnectionId: conn.Id,
		DisplayName:  conn.DisplayName,
	})
	if err != nil {
		return
	}

	m.registry.BroadcastFiltered(roomKey, envelope, func(c *relay.Connection) bool {
		return c.UserId == conn.UserId
	})

	m.logger.Debug("user joined room",
		zap.String("roomKey", roomKey),
		zap.String("userId", conn.UserId))
}

func (m *Manager) leave(dimension relay.RoomDimension, conn *relay.Connection, roomKey string) {
	m.mu.Lock()

	lastForUser := false

	if roomMembers, ok := m.members[roomKey]; ok {
		if userConnections, ok := roomMembers[conn.UserId]; ok {
			delete(userConnections, conn.Id)

			if len(userConnections) == 0 {
				delete(roomMembers, conn.UserId)
				lastForUser = true
			}
		}

		if len(roomMembers) == 0 {
			delete(m.members, roomKey)
		}
	}

	m.mu.Unlock()

	m.registry.Leave(roomKey, conn.Id)
	conn.SetRoom(dimension, "")

	if !lastForUser {
		return
	}

	envelope, err := relay.NewNotification(EventUserLeft, UserLeft{
		ConnectionId: conn.Id,
	})
	if err != nil {
		return
	}

	m.registry.Broadcast(roomKey, envelope)

	m.logger.Debug("user left room",
		zap.String("roomKey", roomKey),
		zap.String("userId", conn.UserId))
}
