package authz

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubRoleStore struct {
	roles   map[string]Role
	err     error
	lookups int
}

func roleKey(userId string, resourceId int64, kind ResourceKind) string {
	return fmt.Sprintf("%s/%s/%d", userId, kind, resourceId)
}

func (s *stubRoleStore) GetRole(_ context.Context, userId string, resourceId int64, kind ResourceKind) (Role, bool, error) {
	s.lookups++

	if s.err != nil {
		return "", false, s.err
	}

	role, ok := s.roles[roleKey(userId, resourceId, kind)]

	return role, ok, nil
}

func TestRole_AtLeast(t *testing.T) {
	cases := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleOwner, RoleOwner, true},
		{RoleOwner, RoleEditor, true},
		{RoleOwner, RoleViewer, true},
		{RoleEditor, RoleOwner, false},
		{RoleEditor, RoleEditor, true},
		{RoleEditor, RoleViewer, true},
		{RoleViewer, RoleOwner, false},
		{RoleViewer, RoleEditor, false},
		{RoleViewer, RoleViewer, true},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, c.role.AtLeast(c.required),
			"%s.AtLeast(%s)", c.role, c.required)
	}

	assert.False(t, Role("ADMIN").AtLeast(RoleViewer))
	assert.False(t, RoleOwner.AtLeast(Role("ADMIN")))
}

func TestGate_CheckRole(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("assigned role at least required", func(t *testing.T) {
		store := &stubRoleStore{roles: map[string]Role{
			roleKey("user-1", 7, KindProject): RoleEditor,
		}}
		gate := NewGate(logger, store)

		allowed, err := gate.CheckRole(context.Background(), "user-1", 7, KindProject, RoleViewer)

		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("assigned role below required", func(t *testing.T) {
		store := &stubRoleStore{roles: map[string]Role{
			roleKey("user-1", 7, KindProject): RoleViewer,
		}}
		gate := NewGate(logger, store)

		allowed, err := gate.CheckRole(context.Background(), "user-1", 7, KindProject, RoleEditor)

		assert.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("no assignment denies", func(t *testing.T) {
		gate := NewGate(logger, &stubRoleStore{})

		allowed, err := gate.CheckRole(context.Background(), "user-1", 7, KindProject, RoleViewer)

		assert.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("lookup error propagates", func(t *testing.T) {
		gate := NewGate(logger, &stubRoleStore{err: errors.New("connection refused")})

		allowed, err := gate.CheckRole(context.Background(), "user-1", 7, KindProject, RoleViewer)

		assert.Error(t, err)
		assert.False(t, allowed)
	})
}

func TestGate_RunIfAuthorized(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("runs action when allowed", func(t *testing.T) {
		store := &stubRoleStore{roles: map[string]Role{
			roleKey("user-1", 7, KindProject): RoleOwner,
		}}
		gate := NewGate(logger, store)

		ran := false
		err := gate.RunIfAuthorized(context.Background(), "user-1", 7, KindProject, RoleEditor,
			func(ctx context.Context) error {
				ran = true

				return nil
			})

		assert.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("silently skips action when denied", func(t *testing.T) {
		store := &stubRoleStore{roles: map[string]Role{
			roleKey("user-1", 7, KindProject): RoleViewer,
		}}
		gate := NewGate(logger, store)

		ran := false
		err := gate.RunIfAuthorized(context.Background(), "user-1", 7, KindProject, RoleEditor,
			func(ctx context.Context) error {
				ran = true

				return nil
			})

		assert.NoError(t, err)
		assert.False(t, ran)
	})

	t.Run("action failure is not swallowed", func(t *testing.T) {
		store := &stubRoleStore{roles: map[string]Role{
			roleKey("user-1", 7, KindProject): RoleOwner,
		}}
		gate := NewGate(logger, store)

		actionErr := errors.New("broadcast failed")
		err := gate.RunIfAuthorized(context.Background(), "user-1", 7, KindProject, RoleEditor,
			func(ctx context.Context) error {
				return actionErr
			})

		assert.ErrorIs(t, err, actionErr)
	})

	t.Run("every call is a fresh lookup", func(t *testing.T) {
		store := &stubRoleStore{roles: map[string]Role{
			roleKey("user-1", 7, KindProject): RoleEditor,
		}}
		gate := NewGate(logger, store)

		noop := func(ctx context.Context) error { return nil }

		assert.NoError(t, gate.RunIfAuthorized(context.Background(), "user-1", 7, KindProject, RoleEditor, noop))

		// Revoke between two events from the same connection.
		delete(store.roles, roleKey("user-1", 7, KindProject))

		ran := false
		assert.NoError(t, gate.RunIfAuthorized(context.Background(), "user-1", 7, KindProject, RoleEditor,
			func(ctx context.Context) error {
				ran = true

				return nil
			}))

		assert.False(t, ran)
		assert.Equal(t, 2, store.lookups)
	})
}
