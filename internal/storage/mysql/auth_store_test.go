package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"OpenSouk-Chain/internal/auth"
)

func TestSQLAuthStoreFindUserByUsername(t *testing.T) {
	t.Parallel()

	found := stepRows{
		columns: []string{"id", "username", "password_hash", "disabled"},
		values:  [][]driver.Value{{int64(7), "admin", "$2a$10$hash", int64(0)}},
	}
	db, drv := newScriptedDB(t, []dbStep{
		queryStep(stmtFindUser, found),
		queryStep(stmtFindUser, stepRows{columns: found.columns}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAuthStore{db: db}
	user, err := store.FindUserByUsername(context.Background(), " admin ")
	if err != nil {
		t.Fatalf("find user failed: %v", err)
	}
	if user.ID != 7 || user.Username != "admin" || user.Disabled {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := store.FindUserByUsername(context.Background(), "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSQLAuthStoreLoadSubject(t *testing.T) {
	t.Parallel()

	db, drv := newScriptedDB(t, []dbStep{
		queryStep(stmtFindSubject, stepRows{
			columns: []string{"id", "username", "disabled"},
			values:  [][]driver.Value{{int64(7), "admin", int64(0)}},
		}),
		queryStep(stmtSubjectRoles, stepRows{
			columns: []string{"name"},
			values:  [][]driver.Value{{"Certifier"}, {"ADMIN"}},
		}),
		queryStep(stmtSubjectPerms, stepRows{
			columns: []string{"name"},
			values:  [][]driver.Value{{"READ"}, {"certify:endorse"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAuthStore{db: db}
	subject, err := store.LoadSubject(context.Background(), 7)
	if err != nil {
		t.Fatalf("load subject failed: %v", err)
	}
	if subject.Username != "admin" || subject.Disabled {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if len(subject.Roles) != 2 || subject.Roles[0] != "admin" || subject.Roles[1] != "certifier" {
		t.Fatalf("roles not lowercased and sorted: %v", subject.Roles)
	}
	if len(subject.Permissions) != 2 || subject.Permissions[0] != "certify:endorse" {
		t.Fatalf("permissions not lowercased and sorted: %v", subject.Permissions)
	}
	if !subject.HasPermission("Read") {
		t.Fatalf("expected case-insensitive permission match: %v", subject.Permissions)
	}
}

func TestSQLAuthStoreApplySeed(t *testing.T) {
	t.Parallel()

	db, drv := newScriptedDB(t, []dbStep{
		beginStep(),
		execStep(stmtUpsertUser, stepResult{lastInsertID: 7, rowsAffected: 1}),
		execStep(stmtUpsertRole, stepResult{lastInsertID: 3, rowsAffected: 1}),
		execStep(stmtBindRole, stepResult{rowsAffected: 1}),
		execStep(stmtUpsertPerm, stepResult{lastInsertID: 5, rowsAffected: 1}),
		execStep(stmtBindPerm, stepResult{rowsAffected: 1}),
		commitStep(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAuthStore{db: db}
	err := store.ApplySeed(context.Background(), auth.Seed{
		Username:    " admin ",
		Password:    "admin-dev-only",
		Roles:       []string{"Admin"},
		Permissions: []string{"READ", " read "},
	})
	if err != nil {
		t.Fatalf("apply seed failed: %v", err)
	}
}

func TestSQLAuthStoreApplySeedRollsBack(t *testing.T) {
	t.Parallel()

	db, drv := newScriptedDB(t, []dbStep{
		beginStep(),
		failStep(stmtUpsertUser, errors.New("duplicate entry")),
		rollbackStep(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAuthStore{db: db}
	err := store.ApplySeed(context.Background(), auth.Seed{Username: "admin", Password: "admin-dev-only"})
	if err == nil || !strings.Contains(err.Error(), "duplicate entry") {
		t.Fatalf("expected upsert failure to surface, got %v", err)
	}
}

func TestRunMigrationsAppliesEmbeddedSchema(t *testing.T) {
	t.Parallel()

	db, drv := newScriptedDB(t, freshMigrationSteps())
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, drv := newScriptedDB(t, []dbStep{
		execStep(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, stepResult{}),
		queryStep(`SELECT version FROM schema_migrations`, stepRows{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

// freshMigrationSteps scripts a run against an empty database: version table,
// empty version query, then every statement of the embedded schema in one
// transaction.
func freshMigrationSteps() []dbStep {
	content, err := embeddedMigrations.ReadFile("0001_auth_schema.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	stmts := splitStatements(string(content))
	if len(stmts) == 0 {
		panic("no statements in migration")
	}
	steps := []dbStep{
		execStep(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, stepResult{}),
		queryStep(`SELECT version FROM schema_migrations`, stepRows{columns: []string{"version"}}),
		beginStep(),
	}
	for _, stmt := range stmts {
		steps = append(steps, execStep(stmt, stepResult{}))
	}
	steps = append(steps,
		execStep(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, stepResult{rowsAffected: 1}),
		commitStep(),
	)
	return steps
}

type stepKind int

const (
	stepExec stepKind = iota
	stepQuery
	stepBegin
	stepCommit
	stepRollback
)

// dbStep is one expected driver operation. The scripted driver consumes the
// steps in order and fails on any mismatch.
type dbStep struct {
	kind   stepKind
	query  string
	result stepResult
	rows   stepRows
	err    error
}

type stepResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r stepResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r stepResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type stepRows struct {
	columns []string
	values  [][]driver.Value
}

func execStep(query string, result stepResult) dbStep {
	return dbStep{kind: stepExec, query: query, result: result}
}

func failStep(query string, err error) dbStep {
	return dbStep{kind: stepExec, query: query, err: err}
}

func queryStep(query string, rows stepRows) dbStep {
	return dbStep{kind: stepQuery, query: query, rows: rows}
}

func beginStep() dbStep { return dbStep{kind: stepBegin} }

func commitStep() dbStep { return dbStep{kind: stepCommit} }

func rollbackStep() dbStep { return dbStep{kind: stepRollback} }

type scriptDriver struct {
	steps []dbStep
	idx   int32
}

var driverSeq atomic.Int32

func newScriptedDB(t *testing.T, steps []dbStep) (*sql.DB, *scriptDriver) {
	t.Helper()

	drv := &scriptDriver{steps: steps}
	name := fmt.Sprintf("souk-mysql-mock-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func (d *scriptDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.steps) {
		t.Fatalf("not all steps consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.steps))
	}
}

func (d *scriptDriver) next(expected stepKind, query string) (*dbStep, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.steps) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	step := &d.steps[idx]
	if step.kind != expected {
		return nil, fmt.Errorf("expected step %v, got %v", step.kind, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if step.query != "" {
		want := flattenSQL(step.query)
		got := flattenSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return step, nil
}

func (d *scriptDriver) Open(string) (driver.Conn, error) {
	return &scriptConn{driver: d}, nil
}

type scriptConn struct {
	driver *scriptDriver
}

func (c *scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	step, err := c.driver.next(stepBegin, "")
	if err != nil {
		return nil, err
	}
	if step.err != nil {
		return nil, step.err
	}
	return &scriptTx{driver: c.driver}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	step, err := c.driver.next(stepExec, query)
	if err != nil {
		return nil, err
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.result, nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	step, err := c.driver.next(stepQuery, query)
	if err != nil {
		return nil, err
	}
	if step.err != nil {
		return nil, step.err
	}
	return &scriptRows{columns: step.rows.columns, values: step.rows.values}, nil
}

func (c *scriptConn) Ping(context.Context) error { return nil }

type scriptTx struct {
	driver *scriptDriver
}

func (t *scriptTx) Commit() error {
	step, err := t.driver.next(stepCommit, "")
	if err != nil {
		return err
	}
	return step.err
}

func (t *scriptTx) Rollback() error {
	step, err := t.driver.next(stepRollback, "")
	if err != nil {
		return err
	}
	return step.err
}

type scriptRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func flattenSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
