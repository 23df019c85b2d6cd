package compact

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Record 一次压缩的归档记录
type Record struct {
	ID                int64     `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	MessagesCompacted int       `json:"messages_compacted"`
	Summary           string    `json:"summary"`
	TokensBefore      int       `json:"tokens_before"`
	TokensAfter       int       `json:"tokens_after"`
}

// Archive 压缩历史归档，落在本地 sqlite 文件。
// 归档失败只记日志，永远不影响压缩本身。
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS compactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	messages_compacted INTEGER NOT NULL,
	summary TEXT NOT NULL,
	tokens_before INTEGER NOT NULL,
	tokens_after INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compactions_created_at ON compactions(created_at);
`

// OpenArchive 打开（必要时创建）归档数据库
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open compaction archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init compaction archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Record 写入一条压缩记录
func (a *Archive) Record(r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := a.db.Exec(
		`INSERT INTO compactions (created_at, messages_compacted, summary, tokens_before, tokens_after)
		 VALUES (?, ?, ?, ?, ?)`,
		r.CreatedAt, r.MessagesCompacted, r.Summary, r.TokensBefore, r.TokensAfter,
	)
	if err != nil {
		return fmt.Errorf("insert compaction record: %w", err)
	}
	return nil
}

// Recent 返回最近 limit 条压缩记录，新的在前
func (a *Archive) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.Query(
		`SELECT id, created_at, messages_compacted, summary, tokens_before, tokens_after
		 FROM compactions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query compaction records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.MessagesCompacted, &r.Summary, &r.TokensBefore, &r.TokensAfter); err != nil {
			return nil, fmt.Errorf("scan compaction record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count 返回归档的压缩总次数
func (a *Archive) Count() (int64, error) {
	var n int64
	err := a.db.QueryRow(`SELECT COUNT(*) FROM compactions`).Scan(&n)
	return n, err
}

// Close 关闭归档数据库
func (a *Archive) Close() error {
	return a.db.Close()
}
