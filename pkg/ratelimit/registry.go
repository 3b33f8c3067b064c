package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultMaxIdentities は追跡するサブジェクト数の既定上限。
	DefaultMaxIdentities = 100000
	// defaultShards はレジストリの既定シャード数。
	defaultShards = 64
)

// Registry はサブジェクトIDからトークンバケットへの並行安全なマッピング。
//
// キー空間をシャードに分割し、各シャードを上限付きLRUキャッシュで保持する。
// シャードのロックはバケットの登録と削除にのみ使われ、補充と消費は
// バケット単位のロックで行うため、異なるサブジェクト同士は競合しない。
// キャッシュから外れたバケットは破棄済みになり、保持していた呼び出しは
// 登録中のバケットを取り直すため、1つのサブジェクトで消費されるバケットは常に1つ。
type Registry struct {
	// shards はサブジェクトIDのハッシュで選択されるシャード。
	shards []*shard
	// perShard はシャードごとのLRU容量。
	perShard int
	// capacity は新規バケットの最大トークン数。
	capacity int
	// perSecond は新規バケットの補充レート。
	perSecond float64
	// maxIdentities は全シャード合計の追跡上限。
	maxIdentities int
	// shardCount はシャード数。
	shardCount int
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
	// onEvict は容量超過でバケットが追い出されたときに呼ばれる。
	onEvict func()
}

// Option はRegistryの設定を変更する関数。
type Option func(*Registry)

// WithCapacity はバケットの最大トークン数を設定する。
func WithCapacity(capacity int) Option {
	return func(r *Registry) { r.capacity = capacity }
}

// WithRefillPerSecond は1秒あたりの補充トークン数を設定する。
func WithRefillPerSecond(perSecond float64) Option {
	return func(r *Registry) { r.perSecond = perSecond }
}

// WithMaxIdentities は追跡するサブジェクト数の上限を設定する。
// 各シャードの容量は n をシャード数で割って切り上げた値（最小1）で、
// ハッシュの偏りによりシャード単位で先に追い出しが起きることがある。
func WithMaxIdentities(n int) Option {
	return func(r *Registry) { r.maxIdentities = n }
}

// WithShards はシャード数を設定する。
func WithShards(n int) Option {
	return func(r *Registry) { r.shardCount = n }
}

// WithClock は時刻取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEvictHook は容量超過による追い出し時に呼ばれる関数を設定する。
func WithEvictHook(fn func()) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// NewRegistry は新しいレジストリを生成する。
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		capacity:      DefaultCapacity,
		perSecond:     DefaultRefillPerSecond,
		maxIdentities: DefaultMaxIdentities,
		shardCount:    defaultShards,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.capacity < 1 {
		return nil, errors.New("バケット容量は1以上である必要があります")
	}
	if r.perSecond <= 0 {
		return nil, errors.New("補充レートは0より大きい必要があります")
	}
	if r.shardCount < 1 {
		return nil, errors.New("シャード数は1以上である必要があります")
	}
	if r.maxIdentities < 1 {
		return nil, errors.New("サブジェクト上限は1以上である必要があります")
	}

	r.perShard = max((r.maxIdentities+r.shardCount-1)/r.shardCount, 1)
	r.shards = make([]*shard, r.shardCount)
	for i := range r.shards {
		cache, err := lru.NewWithEvict(r.perShard, func(_ string, b *Bucket) { b.retire() })
		if err != nil {
			return nil, fmt.Errorf("LRUキャッシュの生成に失敗: %w", err)
		}
		r.shards[i] = &shard{cache: cache}
	}
	return r, nil
}

// Admit はサブジェクトのバケットから1トークンの消費を試み、受け付けたかどうかを返す。
// 拒否は正常な結果であり、エラーではない。
func (r *Registry) Admit(subject string) bool {
	return r.Decide(subject).Allowed
}

// Decide は Admit と同じ判定を行い、残りトークン数と再試行までの目安も返す。
func (r *Registry) Decide(subject string) Decision {
	for {
		if d, ok := r.bucket(subject).take(r.now()); ok {
			return d
		}
	}
}

// Tokens は追跡中のサブジェクトの現在のトークン数を返す。
// 未追跡の場合は false を返す。バケットは生成しない。
func (r *Registry) Tokens(subject string) (float64, bool) {
	b, ok := r.shard(subject).cache.Peek(subject)
	if !ok {
		return 0, false
	}
	return b.Tokens(r.now()), true
}

// Len は追跡中のサブジェクト数を返す。
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		n += s.cache.Len()
	}
	return n
}

// Capacity は新規バケットの最大トークン数を返す。
func (r *Registry) Capacity() int {
	return r.capacity
}

// Prune は満杯まで補充されたバケットを取り除き、取り除いた数を返す。
func (r *Registry) Prune() int {
	now := r.now()
	removed := 0
	for _, s := range r.shards {
		removed += s.prune(now)
	}
	return removed
}

// Run は every 間隔で Prune を実行する。ctx がキャンセルされると nil を返す。
// every が0以下の場合は何もせず ctx の終了を待つ。
func (r *Registry) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Prune()
		}
	}
}

// bucket はサブジェクトのバケットを取得し、無ければ生成して登録する。
// 破棄済みのバケットが見えた場合は登録し直す。
func (r *Registry) bucket(subject string) *Bucket {
	s := r.shard(subject)
	if b, ok := s.cache.Get(subject); ok && !b.isRetired() {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.cache.Peek(subject); ok && !b.isRetired() {
		return b
	}
	fresh := NewBucket(r.capacity, r.perSecond, r.now())
	if evicted := s.cache.Add(subject, fresh); evicted && r.onEvict != nil {
		r.onEvict()
	}
	return fresh
}

// shard はサブジェクトIDに対応するシャードを返す。
func (r *Registry) shard(subject string) *shard {
	if len(r.shards) == 1 {
		return r.shards[0]
	}
	return r.shards[xxhash.Sum64String(subject)%uint64(len(r.shards))]
}

// shard はLRUキャッシュと、登録・削除を直列化するロックの組。
type shard struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Bucket]
}

// prune は満杯のバケットを破棄して取り除く。
func (s *shard) prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.cache.Keys() {
		b, ok := s.cache.Peek(key)
		if !ok || !b.retireIfFull(now) {
			continue
		}
		if s.cache.Remove(key) {
			removed++
		}
	}
	return removed
}
