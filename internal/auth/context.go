package auth

import "context"

type contextKey string

const (
	contextKeyTenant  contextKey = "auth.tenant_id"
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
)

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, tenantID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyTenant, tenantID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// TenantIDFromContext extracts tenant id from context.
func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tenantID, _ := ctx.Value(contextKeyTenant).(string)
	return tenantID
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	role, _ := ctx.Value(contextKeyRole).(Role)
	return role
}

// SubjectFromContext extracts the acting user from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}
