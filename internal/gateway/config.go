package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/edgegate/pkg/proxy"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/nao1215/edgegate/pkg/stats"
	"go.uber.org/multierr"
)

// 統計の保存先。
const (
	StatsBackendNone   = "none"
	StatsBackendMemory = "memory"
	StatsBackendRedis  = "redis"
	StatsBackendSQLite = "sqlite"
)

// defaultLicenseSourceURL はライセンス情報で公開するソースコードの既定URL。
const defaultLicenseSourceURL = "https://github.com/ext-sakamoro/ALICE-SIMD-Compute"

// Config はゲートウェイの設定。起動後は変更しない。
type Config struct {
	// Addr はリッスンアドレス。
	Addr string
	// UpstreamURL は転送先のベースURL。
	UpstreamURL string
	// JWTSecret はBearerトークン検証用の共有シークレット。
	JWTSecret string
	// UpstreamTimeout は上流呼び出しのタイムアウト。0で無効。
	UpstreamTimeout time.Duration
	// MaxBodyBytes は受信ボディの上限バイト数。
	MaxBodyBytes int64

	// RateCapacity はバケットの最大トークン数。
	RateCapacity int
	// RateRefillPerHour は1時間あたりの補充トークン数。
	RateRefillPerHour float64
	// RateMaxIdentities は保持するIDの上限。超えると最も古いIDを追い出す。
	RateMaxIdentities int
	// RatePruneInterval は満杯バケットを削除する間隔。0で無効。
	RatePruneInterval time.Duration

	// CORSAllowedOrigins は許可するオリジン。"*"で全て許可。
	CORSAllowedOrigins []string
	// LogLevel はログレベル。
	LogLevel string
	// LogFormat はログ形式（json / console）。
	LogFormat string

	// Stats は判定統計の設定。
	Stats StatsConfig

	// DevTokenEnabled はPOST /auth/dev-token を有効にするかどうか。
	DevTokenEnabled bool
	// LicenseSourceURL はライセンス情報で公開するソースコードのURL。
	LicenseSourceURL string
	// ShutdownTimeout はグレースフルシャットダウンの上限時間。
	ShutdownTimeout time.Duration
}

// StatsConfig は判定統計の保存先の設定。
type StatsConfig struct {
	// Backend は none / memory / redis / sqlite のいずれか。
	Backend string
	// RedisAddr はRedisの接続先。
	RedisAddr string
	// RedisPassword はRedisのパスワード。
	RedisPassword string
	// RedisDB はRedisのDB番号。
	RedisDB int
	// RedisPrefix はRedisキーの接頭辞。
	RedisPrefix string
	// SQLitePath はSQLiteファイルのパス。
	SQLitePath string
	// Buffer は非同期記録のバッファサイズ。
	Buffer int
}

// RefillPerSecond は1秒あたりの補充トークン数を返す。
func (c Config) RefillPerSecond() float64 {
	return c.RateRefillPerHour / 3600
}

// LoadConfig は環境変数から設定を読み込んで検証する。
// getenv には通常 os.Getenv を渡す。
func LoadConfig(getenv func(string) string) (Config, error) {
	p := envParser{getenv: getenv}

	cfg := Config{
		Addr:               p.str("GATEWAY_ADDR", "0.0.0.0:8080"),
		UpstreamURL:        p.str("CORE_ENGINE_URL", "http://core-engine:8081"),
		JWTSecret:          p.str("JWT_SECRET", "dev-secret-change-me"),
		UpstreamTimeout:    p.duration("UPSTREAM_TIMEOUT", proxy.DefaultTimeout),
		MaxBodyBytes:       p.integer64("MAX_BODY_BYTES", proxy.DefaultMaxBodyBytes),
		RateCapacity:       p.integer("RATE_CAPACITY", ratelimit.DefaultCapacity),
		RateRefillPerHour:  p.float("RATE_REFILL_PER_HOUR", ratelimit.DefaultCapacity),
		RateMaxIdentities:  p.integer("RATE_MAX_IDENTITIES", ratelimit.DefaultMaxIdentities),
		RatePruneInterval:  p.duration("RATE_PRUNE_INTERVAL", time.Minute),
		CORSAllowedOrigins: splitList(p.str("CORS_ALLOWED_ORIGINS", "*")),
		LogLevel:           p.str("LOG_LEVEL", "info"),
		LogFormat:          p.str("LOG_FORMAT", "json"),
		Stats: StatsConfig{
			Backend:       strings.ToLower(p.str("STATS_BACKEND", StatsBackendMemory)),
			RedisAddr:     p.str("STATS_REDIS_ADDR", ""),
			RedisPassword: p.str("STATS_REDIS_PASSWORD", ""),
			RedisDB:       p.integer("STATS_REDIS_DB", 0),
			RedisPrefix:   p.str("STATS_REDIS_PREFIX", "edgegate:stats"),
			SQLitePath:    p.str("STATS_SQLITE_PATH", "/data/gateway-stats.db"),
			Buffer:        p.integer("STATS_BUFFER", stats.DefaultBufferSize),
		},
		DevTokenEnabled:  p.boolean("DEV_TOKEN_ENABLED", false),
		LicenseSourceURL: p.str("LICENSE_SOURCE_URL", defaultLicenseSourceURL),
		ShutdownTimeout:  p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := multierr.Append(p.err, cfg.Validate()); err != nil {
		return Config{}, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。問題は全てまとめて返す。
func (c Config) Validate() error {
	var err error

	u, perr := url.Parse(c.UpstreamURL)
	if perr != nil || u.Scheme == "" || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("CORE_ENGINE_URL %q はスキームとホストを含むURLである必要があります", c.UpstreamURL))
	}
	if c.JWTSecret == "" {
		err = multierr.Append(err, errors.New("JWT_SECRET が空です"))
	}
	if c.UpstreamTimeout < 0 {
		err = multierr.Append(err, errors.New("UPSTREAM_TIMEOUT は0以上である必要があります"))
	}
	if c.MaxBodyBytes <= 0 {
		err = multierr.Append(err, errors.New("MAX_BODY_BYTES は1以上である必要があります"))
	}
	if c.RateCapacity < 1 {
		err = multierr.Append(err, errors.New("RATE_CAPACITY は1以上である必要があります"))
	}
	if c.RateRefillPerHour <= 0 {
		err = multierr.Append(err, errors.New("RATE_REFILL_PER_HOUR は正の値である必要があります"))
	}
	if c.RateMaxIdentities < 1 {
		err = multierr.Append(err, errors.New("RATE_MAX_IDENTITIES は1以上である必要があります"))
	}
	if c.RatePruneInterval < 0 {
		err = multierr.Append(err, errors.New("RATE_PRUNE_INTERVAL は0以上である必要があります"))
	}
	if c.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("SHUTDOWN_TIMEOUT は正の値である必要があります"))
	}

	switch c.Stats.Backend {
	case StatsBackendNone, StatsBackendMemory:
	case StatsBackendRedis:
		if c.Stats.RedisAddr == "" {
			err = multierr.Append(err, errors.New("STATS_BACKEND=redis には STATS_REDIS_ADDR が必要です"))
		}
	case StatsBackendSQLite:
		if c.Stats.SQLitePath == "" {
			err = multierr.Append(err, errors.New("STATS_BACKEND=sqlite には STATS_SQLITE_PATH が必要です"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("STATS_BACKEND %q はサポートされていません", c.Stats.Backend))
	}
	if c.Stats.Buffer < 1 {
		err = multierr.Append(err, errors.New("STATS_BUFFER は1以上である必要があります"))
	}
	return err
}

// envParser は環境変数を型変換しながら読み込み、変換エラーを蓄積する。
type envParser struct {
	getenv func(string) string
	err    error
}

// str は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func (p *envParser) str(key, defaultValue string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func (p *envParser) integer(key string, defaultValue int) int {
	v := p.str(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return defaultValue
	}
	return n
}

func (p *envParser) integer64(key string, defaultValue int64) int64 {
	v := p.str(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return defaultValue
	}
	return n
}

func (p *envParser) float(key string, defaultValue float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return defaultValue
	}
	return n
}

func (p *envParser) boolean(key string, defaultValue bool) bool {
	v := p.str(key, "")
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return defaultValue
	}
	return b
}

func (p *envParser) duration(key string, defaultValue time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return defaultValue
	}
	return d
}

func (p *envParser) fail(key, value string, err error) {
	p.err = multierr.Append(p.err, fmt.Errorf("%s=%q を解釈できません: %w", key, value, err))
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(v string) []string {
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
