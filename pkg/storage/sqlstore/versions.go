package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// ScopeVersion returns the write counter of scope; 0 before the first bump.
func (c *Client) ScopeVersion(ctx context.Context, scope core.Scope) (int64, error) {
	query := fmt.Sprintf("SELECT version FROM %s WHERE tenant_id = ? AND project_id = ?", c.versions)
	var v int64
	err := c.db.QueryRowContext(ctx, c.dialect.rebind(query), scope.TenantID, scope.ProjectID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("ScopeVersion", err)
	}
	return v, nil
}

// BumpScopeVersion increments the write counter of scope in one statement.
func (c *Client) BumpScopeVersion(ctx context.Context, scope core.Scope) error {
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("BumpScopeVersion: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (tenant_id, project_id, version) VALUES (?, ?, 1)", c.versions) +
		c.dialect.bumpVersionClause(c.versions)
	if _, err := c.db.ExecContext(ctx, c.dialect.rebind(query), scope.TenantID, scope.ProjectID); err != nil {
		return wrap("BumpScopeVersion", err)
	}
	return nil
}
