package rbac

// Role names. Keep these stable; they appear in issued tokens.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleAgent      = "agent"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support" // hidden role
)

// Role sets used by the read API.
var (
	CallReaders   = []string{RoleOwner, RoleAdmin, RoleAgent, RoleAnalyst}
	ReportReaders = []string{RoleOwner, RoleAdmin, RoleAnalyst}
	AuditReaders  = []string{RoleOwner, RoleAdmin}
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
