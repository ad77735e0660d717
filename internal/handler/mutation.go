package handler

import (
	"context"
	"encoding/json"

	"github.com/modelguard/relay/internal/authz"
	"github.com/modelguard/relay/internal/history"
	"github.com/modelguard/relay/internal/ierr"
	"github.com/modelguard/relay/internal/presence"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"go.uber.org/zap"
)

type broadcastScope int

const (
	scopeRoom broadcastScope = iota
	scopeProjectsTopic
	scopeCatalogsTopic
)

// eventSpec declares, per mutation event, which resource it touches, the
// minimum role the actor needs on it, and where the accepted event is
// re-emitted.
type eventSpec struct {
	kind         authz.ResourceKind
	requiredRole authz.Role // empty: no role precondition
	scope        broadcastScope
	removal      bool
	anyKind      bool // resource kind resolved from the payload
	resourceless bool // the resource does not exist yet (creates)
}

var mutationEvents = map[string]eventSpec{
	"set_asset":              {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"remove_asset":           {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"create_component_type":  {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"update_component_type":  {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"delete_component_type":  {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"create_point_of_attack": {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"set_point_of_attack":    {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"remove_point_of_attack": {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeRoom},

	"set_threat":    {kind: authz.KindCatalog, requiredRole: authz.RoleEditor, scope: scopeRoom},
	"remove_threat": {kind: authz.KindCatalog, requiredRole: authz.RoleEditor, scope: scopeRoom},

	"create_catalog": {kind: authz.KindCatalog, scope: scopeCatalogsTopic, resourceless: true},
	"update_catalog": {kind: authz.KindCatalog, requiredRole: authz.RoleEditor, scope: scopeCatalogsTopic},
	"remove_catalog": {kind: authz.KindCatalog, requiredRole: authz.RoleOwner, scope: scopeCatalogsTopic, removal: true},

	"update_project": {kind: authz.KindProject, requiredRole: authz.RoleEditor, scope: scopeProjectsTopic},
	"remove_project": {kind: authz.KindProject, requiredRole: authz.RoleOwner, scope: scopeProjectsTopic, removal: true},

	"add_member":    {anyKind: true, requiredRole: authz.RoleOwner, scope: scopeRoom},
	"edit_member":   {anyKind: true, requiredRole: authz.RoleOwner, scope: scopeRoom},
	"delete_member": {anyKind: true, requiredRole: authz.RoleOwner, scope: scopeRoom},
}

func IsMutationEvent(method string) bool {
	_, ok := mutationEvents[method]

	return ok
}

// resourceRef is the part of a mutation payload the relay itself reads:
// the declared resource. Everything else is relayed verbatim.
type resourceRef struct {
	ProjectId *int64 `json:"projectId"`
	CatalogId *int64 `json:"catalogId"`
}

func decodeResourceRef(params *json.RawMessage) (resourceRef, error) {
	if params == nil {
		return resourceRef{}, ierr.Newf(ierr.ErrorCodeInvalidArgument, "missing params")
	}

	var ref resourceRef
	if err := json.Unmarshal(*params, &ref); err != nil {
		return resourceRef{}, ierr.Newf(ierr.ErrorCodeInvalidArgument, "invalid params: "+err.Error())
	}

	return ref, nil
}

func (r resourceRef) resolve(spec eventSpec) (authz.ResourceKind, int64, error) {
	if spec.anyKind {
		switch {
		case r.ProjectId != nil && r.CatalogId == nil:
			return authz.KindProject, *r.ProjectId, validateId(*r.ProjectId)
		case r.CatalogId != nil && r.ProjectId == nil:
			return authz.KindCatalog, *r.CatalogId, validateId(*r.CatalogId)
		default:
			return "", 0, ierr.Newf(ierr.ErrorCodeInvalidArgument, "exactly one of projectId or catalogId is required")
		}
	}

	switch spec.kind {
	case authz.KindProject:
		if r.ProjectId == nil {
			return "", 0, ierr.Newf(ierr.ErrorCodeInvalidArgument, "projectId is required")
		}

		return authz.KindProject, *r.ProjectId, validateId(*r.ProjectId)
	default:
		if r.CatalogId == nil {
			return "", 0, ierr.Newf(ierr.ErrorCodeInvalidArgument, "catalogId is required")
		}

		return authz.KindCatalog, *r.CatalogId, validateId(*r.CatalogId)
	}
}

func validateId(id int64) error {
	if id <= 0 {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "resource id must be positive")
	}

	return nil
}

func resourceKey(kind authz.ResourceKind, resourceId int64) string {
	return room.Key(dimensionForKind(kind), resourceId)
}

func dimensionForKind(kind authz.ResourceKind) relay.RoomDimension {
	if kind == authz.KindProject {
		return relay.ProjectDimension
	}

	return relay.CatalogDimension
}

// MutationHandler validates, authorizes and re-broadcasts mutation events.
// Everything that goes wrong here is a silent drop: the REST layer is
// where users get told no.
type MutationHandler struct {
	logger   *zap.Logger
	gate     *authz.Gate
	registry relay.Registry
	presence *presence.Store
	recorder history.Recorder
}

func NewMutationHandler(
	logger *zap.Logger,
	gate *authz.Gate,
	registry relay.Registry,
	presence *presence.Store,
	recorder history.Recorder,
) *MutationHandler {
	return &MutationHandler{
		logger,
		gate,
		registry,
		presence,
		recorder,
	}
}

func (h *MutationHandler) Handle(ctx context.Context, conn *relay.Connection, method string, params *json.RawMessage) error {
	spec, ok := mutationEvents[method]
	if !ok {
		return ierr.Newf(ierr.ErrorCodeNotFound, "unknown mutation event: "+method)
	}

	var kind authz.ResourceKind
	var resourceId int64

	if !spec.resourceless {
		ref, err := decodeResourceRef(params)
		if err != nil {
			return err
		}

		kind, resourceId, err = ref.resolve(spec)
		if err != nil {
			return err
		}
	}

	var roomKey string

	switch spec.scope {
	case scopeRoom:
		dimension := dimensionForKind(kind)
		roomKey = resourceKey(kind, resourceId)

		// A connection in room A must not forge events for room B.
		if conn.Room(dimension) != roomKey {
			h.logger.Debug("dropping event: sender not in the declared room",
				zap.String("method", method),
				zap.String("connectionId", conn.Id),
				zap.String("declaredRoom", roomKey))

			return nil
		}
	case scopeProjectsTopic:
		roomKey = room.ProjectsTopic
	case scopeCatalogsTopic:
		roomKey = room.CatalogsTopic
	}

	broadcast := func(ctx context.Context) error {
		if spec.removal {
			// Remember the actor-initiated removal so the loop-back
			// broadcast from the REST layer is not re-applied to them.
			h.presence.MarkPendingRemoval(conn.UserId, resourceKey(kind, resourceId))
		}

		envelope := relay.NewRelayed(method, params)

		h.registry.BroadcastFiltered(roomKey, envelope, func(c *relay.Connection) bool {
			return c.Id == conn.Id
		})

		h.recorder.Record(ctx, history.Entry{
			Room:    roomKey,
			ActorId: conn.UserId,
			Method:  method,
			Payload: rawPayload(params),
		})

		return nil
	}

	if spec.requiredRole == "" {
		return broadcast(ctx)
	}

	return h.gate.RunIfAuthorized(ctx, conn.UserId, resourceId, kind, spec.requiredRole, broadcast)
}

func rawPayload(params *json.RawMessage) any {
	if params == nil {
		return nil
	}

	var payload any
	if err := json.Unmarshal(*params, &payload); err != nil {
		return nil
	}

	return payload
}
