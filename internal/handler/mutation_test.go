package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/modelguard/relay/internal/authz"
	"github.com/modelguard/relay/internal/history"
	"github.com/modelguard/relay/internal/presence"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubRoleStore struct {
	roles map[string]authz.Role
}

func grant(store *stubRoleStore, userId string, resourceId int64, kind authz.ResourceKind, role authz.Role) {
	store.roles[fmt.Sprintf("%s/%s/%d", userId, kind, resourceId)] = role
}

func (s *stubRoleStore) GetRole(_ context.Context, userId string, resourceId int64, kind authz.ResourceKind) (authz.Role, bool, error) {
	role, ok := s.roles[fmt.Sprintf("%s/%s/%d", userId, kind, resourceId)]

	return role, ok, nil
}

type relayFixture struct {
	registry *relay.InMemoryRegistry
	presence *presence.Store
	rooms    *room.Manager
	roles    *stubRoleStore
	mutation *MutationHandler
	emit     *EmitHandler
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	registry := relay.NewInMemoryRegistry(logger)
	presenceStore := presence.NewStore(logger)
	rooms := room.NewManager(logger, registry)
	roles := &stubRoleStore{roles: make(map[string]authz.Role)}
	gate := authz.NewGate(logger, roles)

	return &relayFixture{
		registry: registry,
		presence: presenceStore,
		rooms:    rooms,
		roles:    roles,
		mutation: NewMutationHandler(logger, gate, registry, presenceStore, history.NoopRecorder{}),
		emit:     NewEmitHandler(logger, room.NewKeyValidator(), registry, presenceStore, history.NoopRecorder{}),
	}
}

// connect mirrors the lifecycle controller: register presence and join the
// static list topics.
func (f *relayFixture) connect(t *testing.T, connectionId string, userId string) *relay.Connection {
	t.Helper()

	conn := relay.NewConnection(connectionId, userId, userId, 16)
	f.presence.Register(userId, userId, connectionId)

	for _, topic := range room.StaticTopics {
		assert.NoError(t, f.registry.Join(topic, conn))
	}

	return conn
}

func rawParams(t *testing.T, v any) *json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(v)
	assert.NoError(t, err)

	message := json.RawMessage(raw)

	return &message
}

func drain(conn *relay.Connection) []relay.Envelope {
	var envelopes []relay.Envelope

	for {
		select {
		case envelope := <-conn.Send:
			envelopes = append(envelopes, envelope)
		default:
			return envelopes
		}
	}
}

func methods(envelopes []relay.Envelope) []string {
	names := make([]string, len(envelopes))
	for i, envelope := range envelopes {
		names[i] = envelope.Method
	}

	return names
}

func TestMutationHandler_RoomScoped(t *testing.T) {
	t.Run("owner edit reaches peers but not the sender", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleOwner)
		grant(f.roles, "user-b", 7, authz.KindProject, authz.RoleViewer)

		f.rooms.Switch(relay.ProjectDimension, a, room.ProjectKey(7))
		f.rooms.Switch(relay.ProjectDimension, b, room.ProjectKey(7))
		drain(a)
		drain(b)

		params := rawParams(t, map[string]any{"projectId": 7, "name": "X"})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "set_asset", params))

		bEnvelopes := drain(b)
		assert.Equal(t, []string{"set_asset"}, methods(bEnvelopes))
		assert.JSONEq(t, string(*params), string(*bEnvelopes[0].Params))
		assert.Empty(t, drain(a))
	})

	t.Run("viewer edit is silently dropped", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleOwner)
		grant(f.roles, "user-b", 7, authz.KindProject, authz.RoleViewer)

		f.rooms.Switch(relay.ProjectDimension, a, room.ProjectKey(7))
		f.rooms.Switch(relay.ProjectDimension, b, room.ProjectKey(7))
		drain(a)
		drain(b)

		params := rawParams(t, map[string]any{"projectId": 7, "name": "Y"})
		assert.NoError(t, f.mutation.Handle(context.Background(), b, "set_asset", params))

		assert.Empty(t, drain(a))
		assert.Empty(t, drain(b))
	})

	t.Run("declared room must match the sender's room", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleOwner)
		grant(f.roles, "user-a", 3, authz.KindProject, authz.RoleOwner)
		grant(f.roles, "user-b", 7, authz.KindProject, authz.RoleViewer)

		f.rooms.Switch(relay.ProjectDimension, a, room.ProjectKey(3))
		f.rooms.Switch(relay.ProjectDimension, b, room.ProjectKey(7))
		drain(a)
		drain(b)

		params := rawParams(t, map[string]any{"projectId": 7, "name": "X"})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "set_asset", params))

		assert.Empty(t, drain(b))
	})

	t.Run("catalog events use the catalog room", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 2, authz.KindCatalog, authz.RoleEditor)
		grant(f.roles, "user-b", 2, authz.KindCatalog, authz.RoleViewer)

		f.rooms.Switch(relay.CatalogDimension, a, room.CatalogKey(2))
		f.rooms.Switch(relay.CatalogDimension, b, room.CatalogKey(2))
		drain(a)
		drain(b)

		params := rawParams(t, map[string]any{"catalogId": 2, "threat": "spoofing"})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "set_threat", params))

		assert.Equal(t, []string{"set_threat"}, methods(drain(b)))
	})

	t.Run("member events resolve the resource kind from the payload", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 2, authz.KindCatalog, authz.RoleOwner)
		grant(f.roles, "user-b", 2, authz.KindCatalog, authz.RoleViewer)

		f.rooms.Switch(relay.CatalogDimension, a, room.CatalogKey(2))
		f.rooms.Switch(relay.CatalogDimension, b, room.CatalogKey(2))
		drain(a)
		drain(b)

		params := rawParams(t, map[string]any{"catalogId": 2, "userId": "user-c", "role": "VIEWER"})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "add_member", params))

		assert.Equal(t, []string{"add_member"}, methods(drain(b)))

		both := rawParams(t, map[string]any{"catalogId": 2, "projectId": 7})
		assert.Error(t, f.mutation.Handle(context.Background(), a, "add_member", both))
	})

	t.Run("malformed payloads are rejected without fan-out", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleOwner)
		grant(f.roles, "user-b", 7, authz.KindProject, authz.RoleViewer)

		f.rooms.Switch(relay.ProjectDimension, a, room.ProjectKey(7))
		f.rooms.Switch(relay.ProjectDimension, b, room.ProjectKey(7))
		drain(a)
		drain(b)

		assert.Error(t, f.mutation.Handle(context.Background(), a, "set_asset", nil))
		assert.Error(t, f.mutation.Handle(context.Background(), a, "set_asset", rawParams(t, map[string]any{"name": "X"})))
		assert.Error(t, f.mutation.Handle(context.Background(), a, "set_asset", rawParams(t, map[string]any{"projectId": -1})))
		assert.Error(t, f.mutation.Handle(context.Background(), a, "no_such_event", nil))

		assert.Empty(t, drain(b))
	})
}

func TestMutationHandler_ListTopics(t *testing.T) {
	t.Run("project updates reach the projects topic except the sender", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		c := f.connect(t, "conn-c", "user-c")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleEditor)

		params := rawParams(t, map[string]any{"projectId": 7, "name": "renamed"})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "update_project", params))

		assert.Empty(t, drain(a))
		assert.Equal(t, []string{"update_project"}, methods(drain(b)))
		assert.Equal(t, []string{"update_project"}, methods(drain(c)))
	})

	t.Run("catalog creation needs no prior role", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")

		params := rawParams(t, map[string]any{"name": "new catalog"})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "create_catalog", params))

		assert.Equal(t, []string{"create_catalog"}, methods(drain(b)))
	})

	t.Run("removal requires owner", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleEditor)

		params := rawParams(t, map[string]any{"projectId": 7})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "remove_project", params))

		assert.Empty(t, drain(b))
	})
}

func TestRemovalSuppression(t *testing.T) {
	t.Run("loop-back broadcast skips the initiating user once", func(t *testing.T) {
		f := newRelayFixture(t)

		a := f.connect(t, "conn-a", "user-a")
		b := f.connect(t, "conn-b", "user-b")
		grant(f.roles, "user-a", 7, authz.KindProject, authz.RoleOwner)

		params := rawParams(t, map[string]any{"projectId": 7})
		assert.NoError(t, f.mutation.Handle(context.Background(), a, "remove_project", params))

		assert.Empty(t, drain(a))
		assert.Equal(t, []string{"remove_project"}, methods(drain(b)))

		// The REST layer applied the deletion and pushes the broadcast.
		_, err := f.emit.Handle(context.Background(), EmitRequest{
			Room:   room.ProjectsTopic,
			Method: "remove_project",
			Params: *rawParams(t, map[string]any{"projectId": 7}),
		})
		assert.NoError(t, err)

		assert.Empty(t, drain(a))
		assert.Equal(t, []string{"remove_project"}, methods(drain(b)))

		// The suppression hint is consumed; later removals of other
		// resources are unaffected.
		_, err = f.emit.Handle(context.Background(), EmitRequest{
			Room:   room.ProjectsTopic,
			Method: "remove_project",
			Params: *rawParams(t, map[string]any{"projectId": 8}),
		})
		assert.NoError(t, err)

		assert.Equal(t, []string{"remove_project"}, methods(drain(a)))
	})
}

func TestEmitHandler_Validation(t *testing.T) {
	f := newRelayFixture(t)

	t.Run("invalid room key", func(t *testing.T) {
		_, err := f.emit.Handle(context.Background(), EmitRequest{
			Room:   "no spaces allowed",
			Method: "update_project",
		})

		assert.Error(t, err)
	})

	t.Run("missing method", func(t *testing.T) {
		_, err := f.emit.Handle(context.Background(), EmitRequest{
			Room: room.ProjectsTopic,
		})

		assert.Error(t, err)
	})

	t.Run("delivers to the requested room", func(t *testing.T) {
		a := f.connect(t, "conn-a", "user-a")

		_, err := f.emit.Handle(context.Background(), EmitRequest{
			Room:   room.CatalogsTopic,
			Method: "create_catalog",
			Params: *rawParams(t, map[string]any{"name": "seed"}),
		})

		assert.NoError(t, err)
		assert.Equal(t, []string{"create_catalog"}, methods(drain(a)))
	})
}
