// Package tenant carries the immutable tenant context through every
// operation and enforces that no call touches another tenant's data.
package tenant

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
)

// Context identifies the acting tenant and user for one request. Created
// once per inbound request and never mutated.
type Context struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
}

// Validate checks that the required identifiers are present.
func (c Context) Validate() error {
	if c.TenantID == "" {
		return eris.New("tenant: missing tenant_id")
	}
	if c.UserID == "" {
		return eris.New("tenant: missing user_id")
	}
	return nil
}

// IsolationError signals an attempt to read or write data belonging to a
// different tenant. Fatal and never retryable.
type IsolationError struct {
	TenantID      string
	OwnerTenantID string
	Resource      string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation on %s: context tenant %s, owner tenant %s",
		e.Resource, e.TenantID, e.OwnerTenantID)
}

// IsIsolation reports whether err (or its chain) is an IsolationError.
func IsIsolation(err error) bool {
	var ie *IsolationError
	return eris.As(err, &ie)
}

type ctxKey struct{}

// NewContext returns a child context carrying tc.
func NewContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the tenant context set by the auth middleware.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}
