package auth

import (
	"net/http"

	"github.com/midnight-protocol/admin/internal/models"
)

type Permission string

const (
	PermTemplatesRead  Permission = "templates:read"
	PermTemplatesWrite Permission = "templates:write"
	PermTemplatesSend  Permission = "templates:send"
	PermWebhooksManage Permission = "webhooks:manage"
	PermAdminRead      Permission = "admin:read"
	PermWildcard       Permission = "*"
)

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

var rolePermissions = map[string][]Permission{
	RoleAdmin:  {PermWildcard},
	RoleEditor: {PermTemplatesRead, PermTemplatesWrite, PermTemplatesSend, PermAdminRead},
	RoleViewer: {PermTemplatesRead, PermAdminRead},
}

// Allowed reports whether op's role grants perm.
func Allowed(op *models.Operator, perm Permission) bool {
	if op == nil {
		return false
	}
	for _, p := range rolePermissions[op.Role] {
		if p == PermWildcard || p == perm {
			return true
		}
	}
	return false
}

func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := OperatorFromContext(r.Context())
			if op == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !Allowed(op, perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
