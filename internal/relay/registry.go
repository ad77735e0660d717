package relay

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Registry is the transport-level fan-out table: which connections belong
// to which rooms, and how to deliver an envelope to a room without letting
// one slow peer block the rest.
type Registry interface {
	Join(roomKey string, connection *Connection) error
	Leave(roomKey string, connectionId string)
	Disconnect(connectionId string)
	Occupants(roomKey string) []*Connection
	Send(connectionId string, envelope Envelope)
	Broadcast(roomKey string, envelope Envelope)
	BroadcastFiltered(roomKey string, envelope Envelope, skip func(*Connection) bool)
}

type InMemoryRegistry struct {
	logger *zap.Logger
	mu     sync.RWMutex

	connections       map[string]*Connection
	connectionsByRoom map[string]map[string]struct{}
	roomsByConnection map[string]map[string]struct{}
}

func NewInMemoryRegistry(
	logger *zap.Logger,
) *InMemoryRegistry {
	return &InMemoryRegistry{
		logger:            logger,
		connections:       make(map[string]*Connection),
		connectionsByRoom: make(map[string]map[string]struct{}),
		roomsByConnection: make(map[string]map[string]struct{}),
	}
}

var _ Registry = (*InMemoryRegistry)(nil)

func (r *InMemoryRegistry) Join(roomKey string, connection *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectionsByRoom[roomKey]; !ok {
		r.connectionsByRoom[roomKey] = make(map[string]struct{})
	}

	if _, ok := r.connectionsByRoom[roomKey][connection.Id]; ok {
		return errors.New("connection already joined to room")
	}

	r.connectionsByRoom[roomKey][connection.Id] = struct{}{}
	r.connections[connection.Id] = connection

	if _, ok := r.roomsByConnection[connection.Id]; !ok {
		r.roomsByConnection[connection.Id] = make(map[string]struct{})
	}

	r.roomsByConnection[connection.Id][roomKey] = struct{}{}

	return nil
}

func (r *InMemoryRegistry) Leave(roomKey string, connectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connectionRooms, ok := r.roomsByConnection[connectionId]
	if !ok {
		return
	}

	delete(connectionRooms, roomKey)
	if len(connectionRooms) == 0 {
		delete(r.roomsByConnection, connectionId)
		delete(r.connections, connectionId)
	}

	roomConnections, ok := r.connectionsByRoom[roomKey]
	if !ok {
		return
	}

	delete(roomConnections, connectionId)
	if len(roomConnections) == 0 {
		delete(r.connectionsByRoom, roomKey)
	}
}

func (r *InMemoryRegistry) Disconnect(connectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disconnectLocked(connectionId)
}

// Occupants returns a snapshot of the connections currently joined to a
// room; callers must not rely on it staying current.
func (r *InMemoryRegistry) Occupants(roomKey string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connectionIds, ok := r.connectionsByRoom[roomKey]
	if !ok {
		return nil
	}

	occupants := make([]*Connection, 0, len(connectionIds))
	for connectionId := range connectionIds {
		if connection, ok := r.connections[connectionId]; ok {
			occupants = append(occupants, connection)
		}
	}

	return occupants
}

// Send delivers an envelope to a single connection, dropping it when the
// connection is gone or its buffer is full.
func (r *InMemoryRegistry) Send(connectionId string, envelope Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return
	}

	select {
	case connection.Send <- envelope:
	default:
		r.logger.Warn("connection send buffer is full, dropping envelope",
			zap.String("connectionId", connectionId),
			zap.String("method", envelope.Method))
	}
}

func (r *InMemoryRegistry) Broadcast(roomKey string, envelope Envelope) {
	r.BroadcastFiltered(roomKey, envelope, nil)
}

func (r *InMemoryRegistry) BroadcastFiltered(roomKey string, envelope Envelope, skip func(*Connection) bool) {
	r.mu.RLock()

	connectionIds, ok := r.connectionsByRoom[roomKey]
	if !ok {
		r.mu.RUnlock()

		return
	}

	connections := make([]*Connection, 0, len(connectionIds))
	for connectionId := range connectionIds {
		if connection, ok := r.connections[connectionId]; ok {
			connections = append(connections, connection)
		}
	}

	var staleConnectionIds []string

	for _, connection := range connections {
		if skip != nil && skip(connection) {
			continue
		}

		select {
		case connection.Send <- envelope:
		default:
			r.logger.Warn("connection send buffer is full, closing connection",
				zap.String("connectionId", connection.Id))

			staleConnectionIds = append(staleConnectionIds, connection.Id)
		}
	}

	r.mu.RUnlock()

	if len(staleConnectionIds) == 0 {
		return
	}

	r.mu.Lock()

	for _, connectionId := range staleConnectionIds {
		r.disconnectLocked(connectionId)
	}

	r.mu.Unlock()
}

// IMPORTANT: It must be called only when a write lock is already held.
func (r *InMemoryRegistry) disconnectLocked(connectionId string) {
	connection, ok := r.connections[connectionId]
	if !ok {
		return
	}

	connectionRooms := r.roomsByConnection[connectionId]

	for roomKey := range connectionRooms {
		roomConnections, ok := r.connectionsByRoom[roomKey]
		if !ok {
			continue
		}

		delete(roomConnections, connectionId)
		if len(roomConnections) == 0 {
			delete(r.connectionsByRoom, roomKey)
		}
	}

	delete(r.roomsByConnection, connectionId)
	delete(r.connections, connectionId)
	close(connection.Send)
}
