package stats

import (
	"context"
	"sync"
)

// MemoryStore はプロセス内で件数を集計するStore。
// 再起動で値は失われる。
type MemoryStore struct {
	mu        sync.Mutex
	summary   Summary
	bySubject map[string]map[Outcome]int64

	trackSubjects bool
}

// MemoryOption はMemoryStoreの設定を変更する。
type MemoryOption func(*MemoryStore)

// WithMemoryTrackSubjects はsubjectごとの集計を有効にする。
func WithMemoryTrackSubjects(track bool) MemoryOption {
	return func(s *MemoryStore) { s.trackSubjects = track }
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		summary:   newSummary(),
		bySubject: make(map[string]map[Outcome]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record は判定を集計に加える。
func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summary.add(ev.Outcome, 1)
	if s.trackSubjects && ev.Subject != "" {
		c, ok := s.bySubject[ev.Subject]
		if !ok {
			c = make(map[Outcome]int64)
			s.bySubject[ev.Subject] = c
		}
		c[ev.Outcome]++
	}
	return nil
}

// Summary は累計のコピーを返す。
func (s *MemoryStore) Summary(_ context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := newSummary()
	for o, n := range s.summary.ByOutcome {
		out.add(o, n)
	}
	return out, nil
}

// SubjectCounts はsubjectごとの件数のコピーを返す。
// 追跡が無効、または記録がない場合はnilを返す。
func (s *MemoryStore) SubjectCounts(subject string) map[Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.bySubject[subject]
	if !ok {
		return nil
	}
	out := make(map[Outcome]int64, len(c))
	for o, n := range c {
		out[o] = n
	}
	return out
}

// Close は何もしない。
func (s *MemoryStore) Close() error { return nil }
