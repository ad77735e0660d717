package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelguard/relay/internal/authz"
)

// RoleStore reads role assignments from the relational schema owned by the
// REST layer. The relay never writes these tables.
type RoleStore struct {
	pool *pgxpool.Pool
}

func NewRoleStore(pool *pgxpool.Pool) *RoleStore {
	return &RoleStore{
		pool,
	}
}

var _ authz.RoleStore = (*RoleStore)(nil)

func (s *RoleStore) GetRole(
	ctx context.Context,
	userId string,
	resourceId int64,
	kind authz.ResourceKind,
) (authz.Role, bool, error) {
	var query string

	switch kind {
	case authz.KindProject:
		query = `SELECT role FROM project_members WHERE user_id = $1 AND project_id = $2`
	case authz.KindCatalog:
		query = `SELECT role FROM catalog_members WHERE user_id = $1 AND catalog_id = $2`
	default:
		return "", false, fmt.Errorf("unknown resource kind: %s", kind)
	}

	var role string

	err := s.pool.QueryRow(ctx, query, userId, resourceId).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("role lookup failed: %w", err)
	}

	assigned := authz.Role(role)
	if !assigned.Known() {
		return "", false, fmt.Errorf("unknown role in assignment: %s", role)
	}

	return assigned, true, nil
}
