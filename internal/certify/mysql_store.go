package certify

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenSouk-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存认证记录，背书列表以 JSON 序列化存储。
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
	const schema = `CREATE TABLE IF NOT EXISTS souk_certifications (
        id VARCHAR(64) PRIMARY KEY,
        product_id VARCHAR(64) NOT NULL,
        authority VARCHAR(128) NOT NULL,
        certificate_no VARCHAR(128) NOT NULL,
        status VARCHAR(32) NOT NULL,
        endorsements TEXT,
        quorum INT NOT NULL DEFAULT 1,
        issued_at BIGINT NOT NULL DEFAULT 0,
        expires_at BIGINT NOT NULL DEFAULT 0,
        digest VARCHAR(64) DEFAULT '',
        anchor_tx_hash VARCHAR(66) DEFAULT '',
        version BIGINT NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_cert_product (product_id),
        INDEX idx_cert_status (status),
        INDEX idx_cert_expires (status, expires_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 souk_certifications 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE souk_certifications ADD COLUMN anchor_tx_hash VARCHAR(66) DEFAULT '' AFTER digest`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 souk_certifications.anchor_tx_hash 失败")
		}
	}
	return nil
}

const recordColumns = `id, product_id, authority, certificate_no, status, endorsements, quorum, issued_at, expires_at, digest, anchor_tx_hash, version, created_at, updated_at`

func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var (
		record       Record
		endorsements sql.NullString
		status       string
	)
	if err := scanner.Scan(
		&record.ID,
		&record.ProductID,
		&record.Authority,
		&record.CertificateNo,
		&status,
		&endorsements,
		&record.Quorum,
		&record.IssuedAt,
		&record.ExpiresAt,
		&record.Digest,
		&record.AnchorTxHash,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	if endorsements.Valid && endorsements.String != "" {
		if err := json.Unmarshal([]byte(endorsements.String), &record.Endorsements); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析背书列表失败")
		}
	}
	return &record, nil
}

func encodeEndorsements(endorsements []Endorsement) (string, error) {
	if len(endorsements) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(endorsements)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化背书列表失败")
	}
	return string(encoded), nil
}

// Create 插入新记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Version == 0 {
		record.Version = 1
	}

	endorsements, err := encodeEndorsements(record.Endorsements)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO souk_certifications
        (id, product_id, authority, certificate_no, status, endorsements, quorum, issued_at, expires_at, digest, anchor_tx_hash, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.ProductID,
		record.Authority,
		record.CertificateNo,
		string(record.Status),
		endorsements,
		record.Quorum,
		record.IssuedAt,
		record.ExpiresAt,
		record.Digest,
		record.AnchorTxHash,
		record.Version,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "认证记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入认证记录失败")
	}
	return nil
}

// Get 查询指定记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM souk_certifications WHERE id = ?`
	record, err := scanRecord(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询认证记录失败")
	}
	return record, nil
}

// GetByProduct 返回商品当前占用认证席位的记录。
func (s *MySQLStore) GetByProduct(ctx context.Context, productID string) (*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM souk_certifications
        WHERE product_id = ? AND status IN ('pending', 'certified', 'suspended')
        ORDER BY created_at DESC LIMIT 1`
	record, err := scanRecord(s.db.QueryRowContext(ctx, stmt, productID))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询商品认证失败")
	}
	return record, nil
}

// Update 以乐观锁更新记录，版本不匹配时返回 ErrVersionConflict。
func (s *MySQLStore) Update(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	endorsements, err := encodeEndorsements(record.Endorsements)
	if err != nil {
		return err
	}

	const stmt = `UPDATE souk_certifications SET status = ?, endorsements = ?, quorum = ?, issued_at = ?,
        expires_at = ?, digest = ?, anchor_tx_hash = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		string(record.Status),
		endorsements,
		record.Quorum,
		record.IssuedAt,
		record.ExpiresAt,
		record.Digest,
		record.AnchorTxHash,
		now,
		record.ID,
		record.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新认证记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, record.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	record.Version++
	record.UpdatedAt = now
	return nil
}

// List 返回符合过滤条件的记录，最近更新的在前。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM souk_certifications`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.ProductID != "" {
		conditions = append(conditions, "product_id = ?")
		args = append(args, opts.ProductID)
	}
	if opts.Authority != "" {
		conditions = append(conditions, "authority = ?")
		args = append(args, opts.Authority)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询认证列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析认证记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历认证记录失败")
	}
	return records, nil
}

// Count 统计指定状态的记录数。
func (s *MySQLStore) Count(ctx context.Context, status Status) (int64, error) {
	query := `SELECT COUNT(*) FROM souk_certifications`
	args := make([]any, 0, 1)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计认证记录失败")
	}
	return total, nil
}

// Expire 将已过期的 certified 记录置为 expired，返回受影响的记录 ID。
func (s *MySQLStore) Expire(ctx context.Context, now int64) ([]string, error) {
	const query = `SELECT id FROM souk_certifications
        WHERE status = 'certified' AND expires_at > 0 AND expires_at <= ?`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期认证失败")
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期认证失败")
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期认证失败")
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(expired)), ", ")
	stmt := `UPDATE souk_certifications SET status = 'expired', version = version + 1, updated_at = ?
        WHERE status = 'certified' AND id IN (` + placeholders + `)`
	args := make([]any, 0, len(expired)+1)
	args = append(args, now)
	for _, id := range expired {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记过期认证失败")
	}
	return expired, nil
}

// Close 释放存储引用。连接池由调用方统一管理，这里不关闭。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
