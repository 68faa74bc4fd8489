package rbac

// Operator role names. Keep these stable; they are part of the operator token contract.
const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleFinance = "finance"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
