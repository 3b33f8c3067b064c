package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore はRedisのハッシュに件数を積み上げるStore。
//
// キー構成:
//
//	<prefix>:total                 累計（期限なし）
//	<prefix>:minute:<YYYYMMDDhhmm> 分単位の件数（TTLつき）
//	<prefix>:subject:<subject>     subjectごとの件数（TTLつき、任意）
type RedisStore struct {
	rdb *redis.Client

	prefix string
	// ttl は分単位キーとsubjectキーにのみ適用する。
	ttl time.Duration

	trackSubjects bool
}

// RedisOption はRedisStoreの設定を変更する。
type RedisOption func(*RedisStore)

// WithRedisPrefix はキーの接頭辞を設定する。
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL は時系列キーの保持期間を設定する。
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithRedisTrackSubjects はsubjectごとの集計を有効にする。
func WithRedisTrackSubjects(track bool) RedisOption {
	return func(s *RedisStore) { s.trackSubjects = track }
}

// NewRedisStore はRedisStoreを生成する。rdbの所有権はRedisStoreに移る。
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "edgegate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis は接続先を指定してRedisStoreを生成し、疎通を確認する。
func OpenRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return NewRedisStore(rdb, opts...), nil
}

// Record は判定をパイプラインでまとめて加算する。
func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Outcome)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), field, 1)

	minuteKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	if s.trackSubjects && ev.Subject != "" {
		subjectKey := s.prefix + ":subject:" + ev.Subject
		pipe.HIncrBy(ctx, subjectKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, subjectKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("統計の書き込みに失敗: %w", err)
	}
	return nil
}

// Summary は累計ハッシュを読み出す。
func (s *RedisStore) Summary(ctx context.Context) (Summary, error) {
	fields, err := s.rdb.HGetAll(ctx, s.totalKey()).Result()
	if err != nil {
		return Summary{}, fmt.Errorf("統計の読み出しに失敗: %w", err)
	}
	return parseCounts(fields)
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) totalKey() string {
	return s.prefix + ":total"
}

// parseCounts はHGETALLの結果をSummaryに変換する。未知のフィールドは無視する。
func parseCounts(fields map[string]string) (Summary, error) {
	out := newSummary()
	for k, v := range fields {
		o := Outcome(k)
		if !o.Valid() {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Summary{}, fmt.Errorf("件数 %q の解析に失敗: %w", v, err)
		}
		out.add(o, n)
	}
	return out, nil
}
