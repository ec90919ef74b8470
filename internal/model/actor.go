package model

// Roles carried in the access token's role claim.
const (
	RoleRenter   = "RENTER"
	RoleHost     = "HOST"
	RoleOperator = "OPERATOR"
	RoleSystem   = "SYSTEM"
)

// Actor identifies who requested a direct action.
type Actor struct {
	ID   string
	Role string
}
