package domain

// Role is the role carried by admin API tokens.
type Role string

// Roles.
const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevel = map[Role]int{
	RoleOperator: 1,
	RoleAdmin:    2,
}

// HasPermission reports whether r is at least min.
func (r Role) HasPermission(min Role) bool {
	have, ok := roleLevel[r]
	if !ok {
		return false
	}
	return have >= roleLevel[min]
}
