package stats

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize は非同期記録のバッファの既定サイズ。
const DefaultBufferSize = 1024

// drainTimeout は停止時に残りのイベントを書き出す猶予。
const drainTimeout = 5 * time.Second

// AsyncRecorder はリクエスト処理を止めずにStoreへ判定を書き込む。
// バッファが満杯のときはイベントを捨てて件数だけ数える。
type AsyncRecorder struct {
	store   Store
	events  chan Event
	logger  *zap.Logger
	onDrop  func()
	dropped atomic.Int64
}

// RecorderOption はAsyncRecorderの設定を変更する。
type RecorderOption func(*AsyncRecorder)

// WithRecorderLogger は書き込み失敗を出力するロガーを設定する。
func WithRecorderLogger(logger *zap.Logger) RecorderOption {
	return func(a *AsyncRecorder) { a.logger = logger }
}

// WithDropHook はイベントを捨てたときに呼ばれる関数を設定する。
func WithDropHook(fn func()) RecorderOption {
	return func(a *AsyncRecorder) { a.onDrop = fn }
}

// NewAsyncRecorder はAsyncRecorderを生成する。sizeが0以下なら既定値を使う。
func NewAsyncRecorder(store Store, size int, opts ...RecorderOption) *AsyncRecorder {
	if size <= 0 {
		size = DefaultBufferSize
	}
	a := &AsyncRecorder{
		store:  store,
		events: make(chan Event, size),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record はイベントをバッファに積む。ブロックしない。
func (a *AsyncRecorder) Record(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Dropped は捨てたイベントの累計を返す。
func (a *AsyncRecorder) Dropped() int64 {
	return a.dropped.Load()
}

// Store は書き込み先のStoreを返す。
func (a *AsyncRecorder) Store() Store {
	return a.store
}

// Run はctxがキャンセルされるまでバッファのイベントをStoreに書き込む。
// キャンセル後はバッファに残ったイベントを書き出してから戻る。
func (a *AsyncRecorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-a.events:
			a.write(ctx, ev)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

// drain はバッファに残ったイベントを猶予時間内で書き出す。
func (a *AsyncRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-a.events:
			a.write(ctx, ev)
		default:
			return
		}
	}
}

func (a *AsyncRecorder) write(ctx context.Context, ev Event) {
	if err := a.store.Record(ctx, ev); err != nil {
		a.logger.Warn("統計の記録に失敗しました",
			zap.String("event_id", ev.ID),
			zap.String("outcome", string(ev.Outcome)),
			zap.Error(err),
		)
	}
}
