package handler

import (
	"context"

	"github.com/modelguard/relay/internal/authz"
	"github.com/modelguard/relay/internal/ierr"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"go.uber.org/zap"
)

type ChangeProjectRequest struct {
	ProjectId int64 `json:"projectId"`
}

type ChangeCatalogRequest struct {
	CatalogId int64 `json:"catalogId"`
}

// RoomHandler processes the room-control events. Viewing a resource only
// needs VIEWER, so that is the bar for entering its room; the mutation
// events carry their own, higher bars.
type RoomHandler struct {
	logger *zap.Logger
	gate   *authz.Gate
	rooms  *room.Manager
}

func NewRoomHandler(
	logger *zap.Logger,
	gate *authz.Gate,
	rooms *room.Manager,
) *RoomHandler {
	return &RoomHandler{
		logger,
		gate,
		rooms,
	}
}

func (h *RoomHandler) ChangeProject(ctx context.Context, conn *relay.Connection, req ChangeProjectRequest) error {
	if req.ProjectId <= 0 {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "projectId is required")
	}

	return h.gate.RunIfAuthorized(ctx, conn.UserId, req.ProjectId, authz.KindProject, authz.RoleViewer,
		func(ctx context.Context) error {
			h.rooms.Switch(relay.ProjectDimension, conn, room.ProjectKey(req.ProjectId))

			return nil
		})
}

func (h *RoomHandler) LeaveProject(conn *relay.Connection) {
	h.rooms.Leave(relay.ProjectDimension, conn)
}

func (h *RoomHandler) ChangeCatalog(ctx context.Context, conn *relay.Connection, req ChangeCatalogRequest) error {
	if req.CatalogId <= 0 {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "catalogId is required")
	}

	return h.gate.RunIfAuthorized(ctx, conn.UserId, req.CatalogId, authz.KindCatalog, authz.RoleViewer,
		func(ctx context.Context) error {
			h.rooms.Switch(relay.CatalogDimension, conn, room.CatalogKey(req.CatalogId))

			return nil
		})
}

func (h *RoomHandler) LeaveCatalog(conn *relay.Connection) {
	h.rooms.Leave(relay.CatalogDimension, conn)
}
