package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"OpenSouk-Chain/deploy/migrations"
)

var embeddedMigrations = migrations.Files

// schemaPatch 对应 deploy/migrations 下的一个 SQL 文件, 按分号拆成若干语句。
type schemaPatch struct {
	version string
	source  string
	stmts   []string
}

type migrator struct {
	db *sql.DB
}

// runMigrations 把内嵌迁移脚本中尚未落库的版本依次补齐。
// 版本号取自文件名前缀, 已应用的版本记录在 schema_migrations 表里。
func runMigrations(ctx context.Context, db *sql.DB) error {
	m := migrator{db: db}
	if err := m.ensureVersionTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	patches, err := decodeSchemaPatches()
	if err != nil {
		return err
	}

	for _, patch := range patches {
		if applied[patch.version] {
			continue
		}
		if err := m.apply(ctx, patch); err != nil {
			return err
		}
	}
	return nil
}

func (m migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	return nil
}

func (m migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("读取已应用迁移版本失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析迁移版本记录失败: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历迁移版本记录失败: %w", err)
	}
	return applied, nil
}

// apply 在单个事务里执行补丁的全部语句并登记版本号,
// 任一语句失败则整体回滚, 下次启动会重新尝试。
func (m migrator) apply(ctx context.Context, patch schemaPatch) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for _, stmt := range patch.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", patch.source, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		patch.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("登记迁移版本 %s 失败: %w", patch.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// decodeSchemaPatches 读取内嵌目录里的 .sql 文件并按版本号排序。
func decodeSchemaPatches() ([]schemaPatch, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var patches []schemaPatch
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		script, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitStatements(string(script))
		if len(stmts) == 0 {
			continue
		}
		patches = append(patches, schemaPatch{
			version: patchVersion(name),
			source:  name,
			stmts:   stmts,
		})
	}

	sort.Slice(patches, func(i, j int) bool {
		if patches[i].version != patches[j].version {
			return patches[i].version < patches[j].version
		}
		return patches[i].source < patches[j].source
	})
	return patches, nil
}

// splitStatements 先丢弃 "--" 注释行再按分号切分,
// 避免注释文字里的分号被当成语句边界。
func splitStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, raw := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// patchVersion 取文件名里第一个下划线之前的部分作为版本号。
func patchVersion(filename string) string {
	base := strings.TrimSuffix(filename, ".sql")
	if prefix, _, ok := strings.Cut(base, "_"); ok && prefix != "" {
		return prefix
	}
	return base
}
