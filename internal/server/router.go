package server

import (
	"context"
	"encoding/json"

	"github.com/modelguard/relay/internal/handler"
	"github.com/modelguard/relay/internal/ierr"
	"github.com/modelguard/relay/internal/relay"
	"go.uber.org/zap"
)

// Router maps inbound envelopes to handlers. Relay events are
// fire-and-forget: malformed payloads, unknown resources and denials are
// dropped with a diagnostic log and never answered, so a misbehaving
// client cannot learn anything or hurt anyone else. Only heartbeat and
// protocol-level "no such method" produce replies.
type Router struct {
	logger *zap.Logger

	heartbeatHandler *handler.HeartbeatHandler
	roomHandler      *handler.RoomHandler
	mutationHandler  *handler.MutationHandler
}

func NewRouter(
	logger *zap.Logger,
	heartbeatHandler *handler.HeartbeatHandler,
	roomHandler *handler.RoomHandler,
	mutationHandler *handler.MutationHandler,
) *Router {
	return &Router{
		logger,
		heartbeatHandler,
		roomHandler,
		mutationHandler,
	}
}

func (r *Router) Dispatch(ctx context.Context, conn *relay.Connection, envelope relay.Envelope) *relay.Envelope {
	switch envelope.Method {
	case "heartbeat":
		if !envelope.ReplyExpected() {
			return nil
		}

		reply, err := envelope.Reply(r.heartbeatHandler.Handle())
		if err != nil {
			r.logger.Error("failed to encode heartbeat reply", zap.Error(err))

			return nil
		}

		return &reply

	case "change_project":
		var req handler.ChangeProjectRequest
		if err := decodeParams(envelope.Params, &req); err != nil {
			r.drop(conn, envelope.Method, err)

			return nil
		}

		if err := r.roomHandler.ChangeProject(ctx, conn, req); err != nil {
			r.drop(conn, envelope.Method, err)
		}

		return nil

	case "leave_project":
		r.roomHandler.LeaveProject(conn)

		return nil

	case "change_catalog":
		var req handler.ChangeCatalogRequest
		if err := decodeParams(envelope.Params, &req); err != nil {
			r.drop(conn, envelope.Method, err)

			return nil
		}

		if err := r.roomHandler.ChangeCatalog(ctx, conn, req); err != nil {
			r.drop(conn, envelope.Method, err)
		}

		return nil

	case "leave_catalog":
		r.roomHandler.LeaveCatalog(conn)

		return nil

	default:
		if handler.IsMutationEvent(envelope.Method) {
			if err := r.mutationHandler.Handle(ctx, conn, envelope.Method, envelope.Params); err != nil {
				r.drop(conn, envelope.Method, err)
			}

			return nil
		}

		r.logger.Warn("unknown method",
			zap.String("method", envelope.Method),
			zap.String("connectionId", conn.Id))

		if envelope.ReplyExpected() {
			reply := envelope.ReplyWithError(
				ierr.Newf(ierr.ErrorCodeNotFound, "method not found: "+envelope.Method),
			)

			return &reply
		}

		return nil
	}
}

func (r *Router) drop(conn *relay.Connection, method string, err error) {
	r.logger.Debug("dropping event",
		zap.String("method", method),
		zap.String("connectionId", conn.Id),
		zap.Error(err))
}

func decodeParams(params *json.RawMessage, v any) error {
	if params == nil {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "missing params")
	}

	if err := json.Unmarshal(*params, v); err != nil {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "invalid params: "+err.Error())
	}

	return nil
}
