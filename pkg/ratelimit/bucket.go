package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultCapacity はバケットの既定の最大トークン数。
	DefaultCapacity = 20000
	// DefaultRefillPerSecond は既定の補充レート（1時間あたり20000リクエスト）。
	DefaultRefillPerSecond = 20000.0 / 3600.0
)

// Decision は1回の受付判定の結果を表す。
type Decision struct {
	// Allowed はリクエストが受け付けられたかどうか。
	Allowed bool
	// Remaining は判定後に残っているトークン数。
	Remaining float64
	// RetryAfter は拒否時に次の1トークンが補充されるまでの目安時間。
	RetryAfter time.Duration
}

// Bucket は1つのサブジェクトに対応するトークンバケット。
// 補充計算は golang.org/x/time/rate に委ね、最終補充時刻が巻き戻らないよう
// mu で判定全体を直列化する。
type Bucket struct {
	mu sync.Mutex
	// lim はトークン数と補充計算を保持する。burst が容量に相当する。
	lim *rate.Limiter
	// last は最後に補充を適用した時刻。
	last time.Time
	// capacity は最大トークン数。
	capacity float64
	// perSecond は1秒あたりの補充トークン数。
	perSecond float64
	// retired はレジストリから外されたことを表す。以降の消費は受け付けない。
	retired bool
}

// NewBucket は満杯の状態で新しいバケットを生成する。
func NewBucket(capacity int, perSecond float64, now time.Time) *Bucket {
	lim := rate.NewLimiter(rate.Limit(perSecond), capacity)
	lim.SetBurstAt(now, capacity)
	return &Bucket{
		lim:       lim,
		last:      now,
		capacity:  float64(capacity),
		perSecond: perSecond,
	}
}

// Take は経過時間分を補充してから1トークンの消費を試みる。
// now が前回の補充時刻より前の場合は経過時間0として扱う。
func (b *Bucket) Take(now time.Time) Decision {
	d, _ := b.take(now)
	return d
}

// take は Take と同じ判定を行う。Prune や追い出しで破棄済みのバケットは
// 消費せずに false を返すので、呼び出し側はバケットを取り直すこと。
func (b *Bucket) take(now time.Time) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired {
		return Decision{}, false
	}

	now = b.clamp(now)
	// AllowN は不足分の待ち時間をナノ秒に切り捨てて判定するため、
	// 1未満の端数で受け付けてしまう。消費前に1以上あることを確かめる。
	before := b.lim.TokensAt(now)
	if before < 1 {
		return Decision{Remaining: before, RetryAfter: b.wait(before)}, true
	}

	b.lim.AllowN(now, 1)
	return Decision{Allowed: true, Remaining: b.lim.TokensAt(now)}, true
}

// Tokens は now 時点の補充後トークン数を返す。状態は変更しない。
func (b *Bucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.last) {
		now = b.last
	}
	return b.lim.TokensAt(now)
}

// Capacity はバケットの最大トークン数を返す。
func (b *Bucket) Capacity() float64 {
	return b.capacity
}

// retireIfFull は now 時点で満杯なら破棄済みにして true を返す。
// 満杯のバケットは新規生成したバケットと区別できないため、破棄しても予算は失われない。
// 判定と破棄を同じロックの中で行い、破棄後の消費を take で拒否する。
func (b *Bucket) retireIfFull(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.last) {
		now = b.last
	}
	if b.lim.TokensAt(now) < b.capacity {
		return false
	}
	b.retired = true
	return true
}

// isRetired は破棄済みかどうかを返す。
func (b *Bucket) isRetired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retired
}

// retire はバケットを破棄済みにする。
func (b *Bucket) retire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retired = true
}

// clamp は補充時刻を単調に進める。mu を保持した状態で呼び出すこと。
func (b *Bucket) clamp(now time.Time) time.Time {
	if now.Before(b.last) {
		return b.last
	}
	b.last = now
	return now
}

// wait は remaining から1トークンに達するまでの時間を計算する。
func (b *Bucket) wait(remaining float64) time.Duration {
	if b.perSecond <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := 1 - remaining
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.perSecond * float64(time.Second))
}
