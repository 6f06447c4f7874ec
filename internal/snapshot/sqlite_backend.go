package snapshot

// ============================================================================
// SQLiteBackend：以 SQLite 表保存歷史記錄
//
// 表結構：
//   jobs(position INTEGER PRIMARY KEY, id TEXT NOT NULL, doc TEXT NOT NULL)
//
// position 保留 Store 中的順序，doc 為任務的 JSON 文件。
// Save 在單一交易中刪除全部列後重新插入（整批覆寫）。
// ============================================================================

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/bookextract/pkg/types"

	_ "modernc.org/sqlite"
)

const createJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
	position INTEGER PRIMARY KEY,
	id       TEXT NOT NULL,
	doc      TEXT NOT NULL
)`

// SQLiteBackend SQLite 後端
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite 開啟（或建立）SQLite 資料庫並確保表存在
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 單一寫入者
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createJobsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close 關閉資料庫
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Load 依 position 順序讀出所有任務
func (b *SQLiteBackend) Load(ctx context.Context) ([]types.Job, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT doc FROM jobs ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []types.Job{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job types.Job
		if err := json.Unmarshal([]byte(doc), &job); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedHistory, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Save 在單一交易中整批覆寫
func (b *SQLiteBackend) Save(ctx context.Context, jobs []types.Job) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("clear jobs: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs (position, id, doc) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, job := range jobs {
			doc, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshal job %s: %w", job.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, i, string(job.ID), string(doc)); err != nil {
				return fmt.Errorf("insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// Reset 刪除所有歷史列
func (b *SQLiteBackend) Reset(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("reset jobs: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
