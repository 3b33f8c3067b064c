package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/metrics"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/proxy"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/nao1215/edgegate/pkg/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// readHeaderTimeout はリクエストヘッダー読み込みの上限時間。
	readHeaderTimeout = 10 * time.Second
	// idleTimeout はKeep-Alive接続の待機上限時間。
	idleTimeout = 90 * time.Second
)

// Server はエッジゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動時に読み込んだ設定。
	cfg Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// limiter はIDごとのトークンバケットを保持する。
	limiter *ratelimit.Registry
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// store は判定統計の保存先。統計が無効な場合はnil。
	store stats.Store
	// recorder はstoreへ非同期に書き込む。統計が無効な場合はnil。
	recorder *stats.AsyncRecorder
	// pipeline は認証済みAPIの処理本体。
	pipeline *Pipeline
	// startedAt はサーバーの生成時刻。
	startedAt time.Time
}

// NewServer は設定からゲートウェイサーバーを生成する。
// 統計の保存先への接続もここで行う。
func NewServer(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.metrics = metrics.New(func() float64 { return float64(s.limiter.Len()) })

	limiter, err := ratelimit.NewRegistry(
		ratelimit.WithCapacity(cfg.RateCapacity),
		ratelimit.WithRefillPerSecond(cfg.RefillPerSecond()),
		ratelimit.WithMaxIdentities(cfg.RateMaxIdentities),
		ratelimit.WithEvictHook(s.metrics.RateLimitEvictions.Inc),
	)
	if err != nil {
		return nil, fmt.Errorf("レート制限の初期化に失敗: %w", err)
	}
	s.limiter = limiter

	store, err := openStore(ctx, cfg.Stats, logger)
	if err != nil {
		return nil, fmt.Errorf("統計の保存先の初期化に失敗: %w", err)
	}
	s.store = store

	opts := []PipelineOption{WithMetrics(s.metrics), WithLogger(logger)}
	if store != nil {
		s.recorder = stats.NewAsyncRecorder(store, cfg.Stats.Buffer,
			stats.WithRecorderLogger(logger),
			stats.WithDropHook(s.metrics.StatsDropped.Inc),
		)
		opts = append(opts, WithRecorder(s.recorder))
	}

	forwarder := proxy.New(cfg.UpstreamURL,
		proxy.WithTimeout(cfg.UpstreamTimeout),
		proxy.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	resolver := middleware.NewResolver(cfg.JWTSecret)
	s.pipeline = NewPipeline(resolver, limiter, forwarder, opts...)

	router := gin.New()
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	s.router = router
	s.setupRoutes()

	return s, nil
}

// openStore は設定に応じた統計の保存先を開く。noneの場合はnilを返す。
func openStore(ctx context.Context, cfg StatsConfig, logger *zap.Logger) (stats.Store, error) {
	switch cfg.Backend {
	case StatsBackendMemory:
		return stats.NewMemoryStore(stats.WithMemoryTrackSubjects(true)), nil
	case StatsBackendRedis:
		store, err := stats.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			stats.WithRedisPrefix(cfg.RedisPrefix),
			stats.WithRedisTrackSubjects(true),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StatsBackendSQLite:
		store, err := stats.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// 公開エンドポイント（認証不要）
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/license", s.handleLicense())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/stats", s.handleStats())

	// 開発用トークン発行
	if s.cfg.DevTokenEnabled {
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	// 認証必須のAPI。パス全体をそのまま上流へ転送する
	s.router.Any("/api/v1/*path", s.pipeline.Handle)
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はリッスンアドレスでHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s のリッスンに失敗: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnでHTTPサーバー・バケットの定期削除・統計の書き込みを並行して動かす。
// ctxがキャンセルされるとSHUTDOWN_TIMEOUT以内にHTTPサーバーを停止し、
// その後に統計のバッファを書き出して戻る。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	// 統計はHTTPサーバー停止後に止め、処理中のリクエストの記録を残す
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()

	g.Go(func() error {
		s.logger.Info("ゲートウェイを起動します",
			zap.String("addr", ln.Addr().String()),
			zap.String("upstream", s.cfg.UpstreamURL),
			zap.String("stats_backend", s.cfg.Stats.Backend),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		defer stopRecorder()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("ゲートウェイを停止します")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.limiter.Run(gctx, s.cfg.RatePruneInterval)
	})

	if s.recorder != nil {
		g.Go(func() error {
			return s.recorder.Run(recCtx)
		})
	}

	return g.Wait()
}

// Close は統計の保存先を閉じる。Serveの終了後に呼ぶ。
func (s *Server) Close() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("統計の保存先のクローズに失敗: %w", err)
	}
	return nil
}
