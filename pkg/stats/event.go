package stats

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome はリクエストの判定結果を表す。
type Outcome string

const (
	// OutcomeForwarded は上流に転送されたことを示す。
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeAuthFailed は認証に失敗したことを示す。
	OutcomeAuthFailed Outcome = "auth_failed"
	// OutcomeRateLimited はレート制限で拒否されたことを示す。
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeForwardFailed は転送処理が失敗したことを示す。
	OutcomeForwardFailed Outcome = "forward_failed"
)

// Outcomes は全ての判定結果を定義順に返す。
func Outcomes() []Outcome {
	return []Outcome{OutcomeForwarded, OutcomeAuthFailed, OutcomeRateLimited, OutcomeForwardFailed}
}

// Valid は既知の判定結果かどうかを返す。
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeForwarded, OutcomeAuthFailed, OutcomeRateLimited, OutcomeForwardFailed:
		return true
	}
	return false
}

// Event は1リクエスト分の判定記録。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Subject は解決されたIDのsubject。認証失敗時は空。
	Subject string `json:"subject,omitempty"`
	// Outcome は判定結果。
	Outcome Outcome `json:"outcome"`
	// Method はHTTPメソッド。
	Method string `json:"method"`
	// Path はリクエストパス。
	Path string `json:"path"`
	// Status はクライアントに返したステータスコード。
	Status int `json:"status"`
	// At は判定時刻（UTC）。
	At time.Time `json:"at"`
}

// NewEvent は新しいイベントを生成する。
func NewEvent(subject string, outcome Outcome, method, path string, status int) Event {
	return Event{
		ID:      uuid.New().String(),
		Subject: subject,
		Outcome: outcome,
		Method:  method,
		Path:    path,
		Status:  status,
		At:      time.Now().UTC(),
	}
}

// Summary は判定結果ごとの累計件数。
type Summary struct {
	// Total は全判定結果の合計。
	Total int64 `json:"total"`
	// ByOutcome は判定結果ごとの件数。全ての判定結果をキーに持つ。
	ByOutcome map[Outcome]int64 `json:"by_outcome"`
}

// newSummary は全ての判定結果を0で初期化したSummaryを返す。
func newSummary() Summary {
	s := Summary{ByOutcome: make(map[Outcome]int64, len(Outcomes()))}
	for _, o := range Outcomes() {
		s.ByOutcome[o] = 0
	}
	return s
}

// add は件数を加算する。
func (s *Summary) add(o Outcome, n int64) {
	s.ByOutcome[o] += n
	s.Total += n
}

// Store は判定記録の保存先。
type Store interface {
	// Record は1件の判定を保存する。
	Record(ctx context.Context, ev Event) error
	// Summary は判定結果ごとの累計を返す。
	Summary(ctx context.Context) (Summary, error)
	// Close は保存先の資源を解放する。
	Close() error
}
