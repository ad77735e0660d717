package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelguard/relay/internal/history"
	"github.com/modelguard/relay/internal/ierr"
	"github.com/modelguard/relay/internal/presence"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"go.uber.org/zap"
)

type EmitRequest struct {
	Room   string          `json:"room"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type EmitResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

// EmitHandler is the REST layer's hook into the relay: after it has
// authoritatively applied a mutation it pushes the broadcast here. For
// removal events the actor's pendingRemovals suppression applies, so a
// user is not asked to re-apply a deletion they initiated themselves.
type EmitHandler struct {
	logger       *zap.Logger
	keyValidator *room.KeyValidator
	registry     relay.Registry
	presence     *presence.Store
	recorder     history.Recorder
}

func NewEmitHandler(
	logger *zap.Logger,
	keyValidator *room.KeyValidator,
	registry relay.Registry,
	presence *presence.Store,
	recorder history.Recorder,
) *EmitHandler {
	return &EmitHandler{
		logger,
		keyValidator,
		registry,
		presence,
		recorder,
	}
}

func (h *EmitHandler) Handle(ctx context.Context, req EmitRequest) (EmitResponse, error) {
	err := h.keyValidator.Validate(req.Room)
	if err != nil {
		return EmitResponse{}, err
	}

	if req.Method == "" {
		return EmitResponse{}, ierr.Newf(ierr.ErrorCodeInvalidArgument, "method is required")
	}

	var params *json.RawMessage
	if len(req.Params) > 0 {
		raw := req.Params
		params = &raw
	}

	envelope := relay.NewRelayed(req.Method, params)

	h.registry.BroadcastFiltered(req.Room, envelope, h.suppression(req.Method, params))

	h.recorder.Record(ctx, history.Entry{
		Room:    req.Room,
		Method:  req.Method,
		Payload: rawPayload(params),
	})

	return EmitResponse{
		Timestamp: time.Now(),
	}, nil
}

// suppression builds the per-fan-out skip predicate for removal events:
// each user with a matching pendingRemovals entry is skipped, and the
// entry is consumed in the same pass.
func (h *EmitHandler) suppression(method string, params *json.RawMessage) func(*relay.Connection) bool {
	spec, ok := mutationEvents[method]
	if !ok || !spec.removal || params == nil {
		return nil
	}

	ref, err := decodeResourceRef(params)
	if err != nil {
		return nil
	}

	kind, resourceId, err := ref.resolve(spec)
	if err != nil {
		return nil
	}

	key := resourceKey(kind, resourceId)
	decided := make(map[string]bool)

	return func(c *relay.Connection) bool {
		suppress, ok := decided[c.UserId]
		if !ok {
			suppress = h.presence.ConsumePendingRemoval(c.UserId, key)
			decided[c.UserId] = suppress
		}

		return suppress
	}
}
