package authz

import (
	"context"

	"go.uber.org/zap"
)

// Gate is the single allow/deny decision point consulted before every
// relayed mutation.
type Gate struct {
	logger *zap.Logger
	roles  RoleStore
}

func NewGate(
	logger *zap.Logger,
	roles RoleStore,
) *Gate {
	return &Gate{
		logger,
		roles,
	}
}

// CheckRole reports whether the user currently holds at least the required
// role on the resource. A user with no assignment is denied.
func (g *Gate) CheckRole(
	ctx context.Context,
	userId string,
	resourceId int64,
	kind ResourceKind,
	required Role,
) (bool, error) {
	role, assigned, err := g.roles.GetRole(ctx, userId, resourceId, kind)
	if err != nil {
		return false, err
	}

	if !assigned {
		return false, nil
	}

	return role.AtLeast(required), nil
}

// RunIfAuthorized executes the action only when the role check passes. A
// denial skips the action and returns nil: the relay path is best-effort,
// authoritative rejection happens at the REST layer. Failures of the
// action itself are passed through untouched.
func (g *Gate) RunIfAuthorized(
	ctx context.Context,
	userId string,
	resourceId int64,
	kind ResourceKind,
	required Role,
	action func(ctx context.Context) error,
) error {
	allowed, err := g.CheckRole(ctx, userId, resourceId, kind, required)
	if err != nil {
		return err
	}

	if !allowed {
		g.logger.Debug("authorization denied, dropping action",
			zap.String("userId", userId),
			zap.Int64("resourceId", resourceId),
			zap.String("resourceKind", string(kind)),
			zap.String("requiredRole", string(required)))

		return nil
	}

	return action(ctx)
}
