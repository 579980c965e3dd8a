package auth

// 权限常量。读接口统一要求 read，写接口各自对应一条细粒度权限，
// 由 API 层在路由上声明。
const (
	PermRead           = "read"
	PermProductsWrite  = "products:write"
	PermOrdersWrite    = "orders:write"
	PermCertifyEndorse = "certify:endorse"
	PermCertifyAdmin   = "certify:admin"
	PermTasksWrite     = "tasks:write"
)

// AllPermissions 返回全部已知权限，管理员种子账号使用。
func AllPermissions() []string {
	return []string{
		PermRead,
		PermProductsWrite,
		PermOrdersWrite,
		PermCertifyEndorse,
		PermCertifyAdmin,
		PermTasksWrite,
	}
}

// DefaultSeeds 返回开发环境的初始账号：一个全权限管理员、
// 一个只读账号和一个认证员。生产部署应通过配置覆盖。
func DefaultSeeds() []Seed {
	return []Seed{
		{
			Username:    "admin",
			Password:    "admin-dev-only",
			Roles:       []string{"admin"},
			Permissions: AllPermissions(),
		},
		{
			Username:    "viewer",
			Password:    "viewer-dev-only",
			Roles:       []string{"viewer"},
			Permissions: []string{PermRead},
		},
		{
			Username:    "certifier",
			Password:    "certifier-dev-only",
			Roles:       []string{"certifier"},
			Permissions: []string{PermRead, PermCertifyEndorse},
		},
	}
}
