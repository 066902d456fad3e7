package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/auth"
)

func serve(t *testing.T, organizationID, role string, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", organizationID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireOrganization(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "org-1", RoleSuperAdmin, RoleOwner); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(t, "org-1", RoleSupport, AuditReaders...); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "org-1", RoleSupport, RoleSupport); code != 200 {
		t.Fatalf("expected 200 when listed, got %d", code)
	}
}

func TestRequireAnyRole_AgentCannotReadAudit(t *testing.T) {
	if code := serve(t, "org-1", RoleAgent, AuditReaders...); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "org-1", RoleAgent, CallReaders...); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireOrganization(t *testing.T) {
	if code := serve(t, "", RoleOwner, RoleOwner); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
