package relay

import (
	"sync"
)

// RoomDimension distinguishes the two independent room slots a connection
// holds: one project room and one catalog room, never more of either.
type RoomDimension int

const (
	ProjectDimension RoomDimension = iota
	CatalogDimension
)

func (d RoomDimension) String() string {
	if d == ProjectDimension {
		return "project"
	}

	return "catalog"
}

// Connection is one transport-level socket of an authenticated user. A user
// may hold several connections at once (multiple tabs); identity fields are
// immutable after the handshake.
type Connection struct {
	Id          string
	UserId      string
	DisplayName string
	Send        chan Envelope

	mu          sync.RWMutex
	projectRoom string
	catalogRoom string
}

func NewConnection(id string, userId string, displayName string, sendBuffer int) *Connection {
	return &Connection{
		Id:          id,
		UserId:      userId,
		DisplayName: displayName,
		Send:        make(chan Envelope, sendBuffer),
	}
}

// Room returns the key of the room this connection currently occupies in
// the given dimension, or the empty string when it occupies none.
func (c *Connection) Room(dimension RoomDimension) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if dimension == ProjectDimension {
		return c.projectRoom
	}

	return c.catalogRoom
}

func (c *Connection) SetRoom(dimension RoomDimension, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dimension == ProjectDimension {
		c.projectRoom = key
		return
	}

	c.catalogRoom = key
}
