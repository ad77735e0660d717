package presence

import (
	"sync"

	"go.uber.org/zap"
)

// connectedUser aggregates every live connection of one authenticated
// identity. It exists from the first registered handle until the last one
// is deregistered.
type connectedUser struct {
	userId      string
	displayName string

	handles         map[string]struct{}
	pendingRemovals map[string]struct{}
}

// User is a read-only snapshot of a connected user.
type User struct {
	UserId      string
	DisplayName string
	Connections int
}

// Store is the single source of truth for which users are currently
// connected. It is an owned instance, never a package-level singleton, so
// every test can build an isolated one.
type Store struct {
	logger *zap.Logger

	mu    sync.Mutex
	users map[string]*connectedUser
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger: logger,
		users:  make(map[string]*connectedUser),
	}
}

// Register records a connection handle for a user, creating the user entry
// on their first connection.
func (s *Store) Register(userId string, displayName string, connectionId string) User {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userId]
	if !ok {
		user = &connectedUser{
			userId:          userId,
			displayName:     displayName,
			handles:         make(map[string]struct{}),
			pendingRemovals: make(map[string]struct{}),
		}
		s.users[userId] = user

		s.logger.Debug("user connected",
			zap.String("userId", userId))
	}

	user.handles[connectionId] = struct{}{}

	return snapshot(user)
}

func (s *Store) Get(userId string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userId]
	if !ok {
		return User{}, false
	}

	return snapshot(user), true
}

// Deregister removes a connection handle. It reports true exactly once per
// user lifetime: when the removed handle was the user's last, at which
// point the whole entry is dropped.
func (s *Store) Deregister(userId string, connectionId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userId]
	if !ok {
		return false
	}

	if _, ok := user.handles[connectionId]; !ok {
		return false
	}

	delete(user.handles, connectionId)

	if len(user.handles) > 0 {
		return false
	}

	delete(s.users, userId)

	s.logger.Debug("user fully disconnected",
		zap.String("userId", userId))

	return true
}

// MarkPendingRemoval notes that the user initiated the removal of a
// resource, so the matching loop-back broadcast can be suppressed for
// them. Best-effort de-duplication, not a correctness guarantee.
func (s *Store) MarkPendingRemoval(userId string, resourceKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userId]
	if !ok {
		return
	}

	user.pendingRemovals[resourceKey] = struct{}{}
}

// ConsumePendingRemoval reports whether the user had a pending removal for
// the resource, clearing it in the same step.
func (s *Store) ConsumePendingRemoval(userId string, resourceKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userId]
	if !ok {
		return false
	}

	if _, ok := user.pendingRemovals[resourceKey]; !ok {
		return false
	}

	delete(user.pendingRemovals, resourceKey)

	return true
}

func snapshot(user *connectedUser) User {
	return User{
		UserId:      user.userId,
		DisplayName: user.displayName,
		Connections: len(user.handles),
	}
}
