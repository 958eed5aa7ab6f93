package session

// Role of a user within their organization.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
)

// roleLevels orders roles so that a higher role strictly dominates a lower
// one. Unknown roles get level 0 and satisfy nothing.
var roleLevels = map[Role]int{
	RoleViewer: 1,
	RoleUser:   2,
	RoleAdmin:  3,
}

// Permission names follow the resource:action convention of the platform
// APIs.
type Permission string

const (
	PermDocumentsRead   Permission = "documents:read"
	PermDocumentsWrite  Permission = "documents:write"
	PermDocumentsDelete Permission = "documents:delete"
	PermFoldersManage   Permission = "folders:manage"
	PermSearchRun       Permission = "search:run"
	PermChatUse         Permission = "chat:use"
	PermReportsRun      Permission = "reports:run"
	PermUsersManage     Permission = "users:manage"
	PermOrgManage       Permission = "organization:manage"
)

// rolePermissions is the static allow-list per role. Checks are per exact
// permission name, there is no wildcard matching.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDocumentsRead,
		PermSearchRun,
	},
	RoleUser: {
		PermDocumentsRead,
		PermDocumentsWrite,
		PermDocumentsDelete,
		PermFoldersManage,
		PermSearchRun,
		PermChatUse,
		PermReportsRun,
	},
	RoleAdmin: {
		PermDocumentsRead,
		PermDocumentsWrite,
		PermDocumentsDelete,
		PermFoldersManage,
		PermSearchRun,
		PermChatUse,
		PermReportsRun,
		PermUsersManage,
		PermOrgManage,
	},
}

// Satisfies reports whether r is at least as privileged as required.
func (r Role) Satisfies(required Role) bool {
	requiredLevel, ok := roleLevels[required]
	if !ok {
		return false
	}
	return roleLevels[r] >= requiredLevel
}

// Can reports whether the role's allow-list contains the permission.
func (r Role) Can(p Permission) bool {
	for _, allowed := range rolePermissions[r] {
		if allowed == p {
			return true
		}
	}
	return false
}
