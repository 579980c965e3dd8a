package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenSouk-Chain/internal/auth"
)

// Statements against the auth_* tables created by the embedded migrations.
const (
	stmtFindUser = `SELECT id, username, password_hash, disabled
FROM auth_users
WHERE username = ?`

	stmtFindSubject = `SELECT id, username, disabled
FROM auth_users
WHERE id = ?`

	stmtSubjectRoles = `SELECT r.name
FROM auth_roles r
JOIN auth_user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?`

	stmtSubjectPerms = `SELECT DISTINCT p.name
FROM auth_permissions p
JOIN auth_role_permissions rp ON rp.permission_id = p.id
JOIN auth_user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = ?
UNION
SELECT DISTINCT p.name
FROM auth_permissions p
JOIN auth_user_permissions up ON up.permission_id = p.id
WHERE up.user_id = ?`

	stmtUpsertUser = `INSERT INTO auth_users (username, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  password_hash = VALUES(password_hash),
  disabled = VALUES(disabled),
  updated_at = VALUES(updated_at),
  id = LAST_INSERT_ID(id)`

	stmtUpsertRole = `INSERT INTO auth_roles (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE
  updated_at = VALUES(updated_at),
  id = LAST_INSERT_ID(id)`

	stmtUpsertPerm = `INSERT INTO auth_permissions (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE
  updated_at = VALUES(updated_at),
  id = LAST_INSERT_ID(id)`

	stmtBindRole = `INSERT IGNORE INTO auth_user_roles (user_id, role_id, assigned_at) VALUES (?, ?, ?)`
	stmtBindPerm = `INSERT IGNORE INTO auth_user_permissions (user_id, permission_id, assigned_at) VALUES (?, ?, ?)`
)

// SQLAuthStore keeps users, roles and permissions in MySQL behind the
// auth.Store and auth.SeedWriter interfaces.
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore wraps a shared connection pool and makes sure the embedded
// schema migrations have run.
func NewSQLAuthStore(ctx context.Context, db *sql.DB) (*SQLAuthStore, error) {
	if db == nil {
		return nil, errors.New("数据库连接不能为空")
	}
	if err := runMigrations(ctx, db); err != nil {
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// Close 释放存储引用。连接池由调用方统一管理，这里不关闭。
func (s *SQLAuthStore) Close() error {
	return nil
}

// FindUserByUsername implements auth.Store. A missing account surfaces as
// sql.ErrNoRows so the service can fold it into its uniform credential error.
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	var (
		user     auth.User
		disabled int
	)
	row := s.db.QueryRowContext(ctx, stmtFindUser, strings.TrimSpace(username))
	switch err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject implements auth.Store, assembling the subject together with its
// role-derived and directly assigned permissions.
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	var (
		subject  auth.Subject
		disabled int
	)
	row := s.db.QueryRowContext(ctx, stmtFindSubject, userID)
	switch err := row.Scan(&subject.ID, &subject.Username, &disabled); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("查询用户信息失败: %w", err)
	}
	subject.Disabled = disabled == 1

	var err error
	if subject.Roles, err = s.queryNames(ctx, stmtSubjectRoles, subject.ID); err != nil {
		return nil, err
	}
	if subject.Permissions, err = s.queryNames(ctx, stmtSubjectPerms, subject.ID, subject.ID); err != nil {
		return nil, err
	}
	subject.Normalise()
	return &subject, nil
}

// queryNames runs a single-column query and returns the values lowercased and
// sorted.
func (s *SQLAuthStore) queryNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询列表失败: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("解析列表失败: %w", err)
		}
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历列表失败: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ApplySeed implements auth.SeedWriter. The whole seed is written in one
// transaction; a partially applied seed never becomes visible.
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed requires a username")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	writer := &seedTx{tx: tx, now: time.Now().Unix()}
	if err := writer.apply(ctx, username, passwordHash, seed); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

// seedTx groups the statements that make up a single seed transaction.
type seedTx struct {
	tx  *sql.Tx
	now int64
}

func (w *seedTx) apply(ctx context.Context, username, passwordHash string, seed auth.Seed) error {
	disabled := 0
	if seed.Disabled {
		disabled = 1
	}
	userID, err := w.insertID(ctx, stmtUpsertUser, "保存用户失败", "获取用户ID失败",
		username, passwordHash, disabled, w.now, w.now)
	if err != nil {
		return err
	}
	for _, role := range normaliseGrantNames(seed.Roles) {
		if err := w.grantRole(ctx, userID, role); err != nil {
			return err
		}
	}
	for _, perm := range normaliseGrantNames(seed.Permissions) {
		if err := w.grantPermission(ctx, userID, perm); err != nil {
			return err
		}
	}
	return nil
}

func (w *seedTx) grantRole(ctx context.Context, userID int64, role string) error {
	roleID, err := w.insertID(ctx, stmtUpsertRole, "保存角色失败", "获取角色ID失败", role, w.now, w.now)
	if err != nil {
		return err
	}
	if _, err := w.tx.ExecContext(ctx, stmtBindRole, userID, roleID, w.now); err != nil {
		return fmt.Errorf("绑定用户角色失败: %w", err)
	}
	return nil
}

func (w *seedTx) grantPermission(ctx context.Context, userID int64, perm string) error {
	permID, err := w.insertID(ctx, stmtUpsertPerm, "保存权限失败", "获取权限ID失败", perm, w.now, w.now)
	if err != nil {
		return err
	}
	if _, err := w.tx.ExecContext(ctx, stmtBindPerm, userID, permID, w.now); err != nil {
		return fmt.Errorf("绑定用户权限失败: %w", err)
	}
	return nil
}

// insertID executes an upsert whose ON DUPLICATE KEY clause routes the row ID
// through LAST_INSERT_ID, so the insert and update case both yield the ID.
func (w *seedTx) insertID(ctx context.Context, stmt, execMsg, idMsg string, args ...any) (int64, error) {
	res, err := w.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", execMsg, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", idMsg, err)
	}
	return id, nil
}

// normaliseGrantNames trims, lowercases and dedupes role or permission names
// before they are written.
func normaliseGrantNames(values []string) []string {
	merged := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			merged[value] = struct{}{}
		}
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	_ auth.Store      = (*SQLAuthStore)(nil)
	_ auth.SeedWriter = (*SQLAuthStore)(nil)
)
