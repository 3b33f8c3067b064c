package stats

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/nao1215/edgegate/pkg/migration"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore は判定を1行ずつgateway_eventsテーブルに保存するStore。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite はSQLiteファイルを開き、マイグレーションを適用する。
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// 書き込みは単一ワーカーから行うため接続は1本に絞る
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("統計テーブルのマイグレーションに失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record は判定を1行挿入する。
func (s *SQLiteStore) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_events (id, subject, outcome, method, path, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Subject, string(ev.Outcome), ev.Method, ev.Path, ev.Status, ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("イベントの保存に失敗: %w", err)
	}
	return nil
}

// Summary は判定結果ごとの件数を集計する。
func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM gateway_events GROUP BY outcome")
	if err != nil {
		return Summary{}, fmt.Errorf("統計の集計に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := newSummary()
	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return Summary{}, fmt.Errorf("集計結果の読み取りに失敗: %w", err)
		}
		if o := Outcome(outcome); o.Valid() {
			out.add(o, n)
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("集計結果の読み取りに失敗: %w", err)
	}
	return out, nil
}

// Close はデータベースを閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
