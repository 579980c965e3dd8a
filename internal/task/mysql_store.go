package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenSouk-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于既有连接创建存储并初始化表结构。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS souk_tasks (
        id VARCHAR(64) PRIMARY KEY,
        kind VARCHAR(64) NOT NULL,
        goal TEXT,
        payload TEXT,
        chain_action VARCHAR(255) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        assigned_to VARCHAR(64) DEFAULT '',
        tried_agents TEXT,
        last_error TEXT,
        failure_code VARCHAR(64) DEFAULT '',
        result_summary TEXT,
        result_tx_hash VARCHAR(66) DEFAULT '',
        result_output TEXT,
        result_agent VARCHAR(64) DEFAULT '',
        result_completed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_status (status),
        INDEX idx_task_kind (kind),
        INDEX idx_task_assigned (assigned_to),
        INDEX idx_task_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 souk_tasks 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE souk_tasks ADD COLUMN tried_agents TEXT AFTER assigned_to`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 souk_tasks.tried_agents 失败")
		}
	}
	return nil
}

const taskColumns = `id, kind, goal, payload, chain_action, status, attempts, max_retries,
        assigned_to, tried_agents, last_error, failure_code,
        result_summary, result_tx_hash, result_output, result_agent, result_completed_at,
        created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var task Task
	var result ExecutionResult
	var goal, payload, tried, lastError, summary, output sql.NullString
	if err := scanner.Scan(
		&task.ID,
		&task.Kind,
		&goal,
		&payload,
		&task.ChainAction,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&task.AssignedTo,
		&tried,
		&lastError,
		&task.FailureCode,
		&summary,
		&result.TxHash,
		&output,
		&result.Agent,
		&result.CompletedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Goal = goal.String
	task.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		task.Payload = json.RawMessage(payload.String)
	}
	triedAgents, err := unmarshalTriedAgents(tried)
	if err != nil {
		return nil, err
	}
	task.TriedAgents = triedAgents
	result.Summary = summary.String
	if output.Valid && output.String != "" {
		result.Output = json.RawMessage(output.String)
	}
	if !result.Empty() || result.CompletedAt != 0 {
		task.Result = &result
	}
	return &task, nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	const stmt = `INSERT INTO souk_tasks
        (id, kind, goal, payload, chain_action, status, attempts, max_retries, assigned_to, tried_agents, last_error, failure_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', NULL, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Kind,
		task.Goal,
		nullableJSON(task.Payload),
		task.ChainAction,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM souk_tasks WHERE id = ?`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE souk_tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', failure_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch task.Status {
		case StatusSucceeded:
			return task, ErrTaskCompleted
		case StatusRunning:
			return task, ErrTaskConflict
		default:
			if task.Attempts >= task.MaxRetries {
				return task, ErrTaskExhausted
			}
			return task, ErrTaskConflict
		}
	}
	return s.Get(ctx, id)
}

// Assign 记录任务的执行者。该智能体已在尝试名单中时重置名单。
func (s *MySQLStore) Assign(ctx context.Context, id, agentName string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	tried := false
	for _, name := range task.TriedAgents {
		if name == agentName {
			tried = true
			break
		}
	}
	var agents []string
	if tried {
		agents = []string{agentName}
	} else {
		agents = append(task.TriedAgents, agentName)
	}
	triedValue, err := marshalTriedAgents(agents)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务尝试名单失败")
	}

	const stmt = `UPDATE souk_tasks SET assigned_to = ?, tried_agents = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, agentName, triedValue, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务分配失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().Unix()
	}

	const stmt = `UPDATE souk_tasks SET status = ?, result_summary = ?, result_tx_hash = ?, result_output = ?,
        result_agent = ?, result_completed_at = ?, updated_at = ?, last_error = '', failure_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		result.Summary,
		result.TxHash,
		nullableJSON(result.Output),
		result.Agent,
		result.CompletedAt,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败并记录失败编码。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE souk_tasks SET status = ?, last_error = ?, failure_code = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 按过滤条件返回任务。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)

	query := `SELECT ` + taskColumns + ` FROM souk_tasks`

	clause, filterArgs := buildFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if options.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, options.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	options := buildListOptions(opts)

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM souk_tasks`

	clause, filterArgs := buildFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 释放存储引用。连接池由调用方统一管理，这里不关闭。
func (s *MySQLStore) Close() error {
	return nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalTriedAgents(agents []string) (sql.NullString, error) {
	if len(agents) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(agents)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalTriedAgents(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var agents []string
	if err := json.Unmarshal([]byte(raw.String), &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, 0, len(opts.Kinds))
		for range opts.Kinds {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
		for _, kind := range opts.Kinds {
			args = append(args, kind)
		}
	}
	if opts.AssignedTo != "" {
		conditions = append(conditions, "assigned_to = ?")
		args = append(args, opts.AssignedTo)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(COALESCE(result_summary, '') <> '' OR result_tx_hash <> '' OR COALESCE(result_output, '') <> '' OR result_agent <> '')")
		} else {
			conditions = append(conditions, "(COALESCE(result_summary, '') = '' AND result_tx_hash = '' AND COALESCE(result_output, '') = '' AND result_agent = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR kind LIKE ? OR goal LIKE ? OR chain_action LIKE ? OR assigned_to LIKE ? OR last_error LIKE ? OR failure_code LIKE ? OR result_summary LIKE ? OR result_tx_hash LIKE ? OR result_output LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
