package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/metrics"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/proxy"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/nao1215/edgegate/pkg/stats"
	"go.uber.org/zap"
)

// Stage はパイプラインの状態。
//
//	Start → Identified → Admitted → Forwarded
//
// 各遷移で失敗すると AuthFailed / RateLimited / ForwardFailed で終了する。
type Stage int

const (
	StageStart Stage = iota
	StageIdentified
	StageAdmitted
	StageForwarded
	StageAuthFailed
	StageRateLimited
	StageForwardFailed
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageIdentified:
		return "identified"
	case StageAdmitted:
		return "admitted"
	case StageForwarded:
		return "forwarded"
	case StageAuthFailed:
		return "auth_failed"
	case StageRateLimited:
		return "rate_limited"
	case StageForwardFailed:
		return "forward_failed"
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// Outcome は終了状態に対応する統計上の判定結果を返す。
func (s Stage) Outcome() stats.Outcome {
	switch s {
	case StageForwarded:
		return stats.OutcomeForwarded
	case StageAuthFailed:
		return stats.OutcomeAuthFailed
	case StageRateLimited:
		return stats.OutcomeRateLimited
	}
	return stats.OutcomeForwardFailed
}

// IdentityResolver はヘッダーから呼び出し元を解決する。
type IdentityResolver interface {
	Resolve(h http.Header) (middleware.Identity, error)
}

// Admitter はsubjectごとの受付判定を行う。
type Admitter interface {
	Decide(subject string) ratelimit.Decision
}

// Forwarder はリクエストを上流へ転送する。
type Forwarder interface {
	Forward(ctx context.Context, r *http.Request) (*proxy.Response, error)
}

// EventRecorder は判定結果をブロックせずに記録する。
type EventRecorder interface {
	Record(ev stats.Event)
}

// ErrRateLimited はレート制限で拒否されたことを表す。
var ErrRateLimited = errors.New("rate limit exceeded")

// Result は1リクエスト分のパイプラインの実行結果。
type Result struct {
	// Stage は終了状態。
	Stage Stage
	// Identity は解決された呼び出し元。AuthFailedでは空。
	Identity middleware.Identity
	// Decision はレート制限の判定。Identified以降で設定される。
	Decision ratelimit.Decision
	// Response は上流のレスポンス。Forwardedでのみ設定される。
	Response *proxy.Response
	// Err は失敗の原因。
	Err error
}

// Pipeline は ID解決 → 受付判定 → 転送 を固定順で実行する。
// 最初に失敗した段階でクライアント向けのエラーに変換し、以降の段階は実行しない。
type Pipeline struct {
	resolver  IdentityResolver
	admitter  Admitter
	forwarder Forwarder

	recorder EventRecorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// PipelineOption はPipelineの設定を変更する。
type PipelineOption func(*Pipeline)

// WithRecorder は判定結果の記録先を設定する。
func WithRecorder(r EventRecorder) PipelineOption {
	return func(p *Pipeline) { p.recorder = r }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline はPipelineを生成する。
func NewPipeline(resolver IdentityResolver, admitter Admitter, forwarder Forwarder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		admitter:  admitter,
		forwarder: forwarder,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run はrに対してパイプラインを実行する。レスポンスは書き込まない。
func (p *Pipeline) Run(r *http.Request) Result {
	res := Result{Stage: StageStart}

	id, err := p.resolver.Resolve(r.Header)
	if err != nil {
		res.Stage = StageAuthFailed
		res.Err = err
		return res
	}
	res.Stage = StageIdentified
	res.Identity = id

	res.Decision = p.admitter.Decide(id.Subject)
	if !res.Decision.Allowed {
		res.Stage = StageRateLimited
		res.Err = ErrRateLimited
		return res
	}
	res.Stage = StageAdmitted

	start := time.Now()
	resp, err := p.forwarder.Forward(r.Context(), r)
	if p.metrics != nil && !errors.Is(err, proxy.ErrBodyRead) {
		p.metrics.ObserveUpstream(time.Since(start))
	}
	if err != nil {
		res.Stage = StageForwardFailed
		res.Err = err
		return res
	}
	res.Stage = StageForwarded
	res.Response = resp
	return res
}

// Handle はパイプラインを実行してクライアントへ応答するGinハンドラ。
func (p *Pipeline) Handle(c *gin.Context) {
	res := p.Run(c.Request)
	if res.Stage != StageAuthFailed {
		middleware.SetIdentity(c, res.Identity)
	}

	status := p.respond(c, res)

	if p.metrics != nil {
		p.metrics.ObserveRequest(string(res.Stage.Outcome()))
	}
	if p.recorder != nil {
		p.recorder.Record(stats.NewEvent(res.Identity.Subject, res.Stage.Outcome(), c.Request.Method, c.Request.URL.Path, status))
	}
}

// respond は実行結果をレスポンスに変換し、返したステータスコードを返す。
func (p *Pipeline) respond(c *gin.Context, res Result) int {
	switch res.Stage {
	case StageForwarded:
		if err := res.Response.Relay(c.Writer); err != nil {
			// ヘッダー送信後のため応答は変更できない
			_ = c.Error(err)
			p.logger.Warn("クライアントへの中継に失敗しました", zap.Error(err))
		}
		return res.Response.StatusCode

	case StageAuthFailed:
		var authErr *middleware.AuthError
		if errors.As(res.Err, &authErr) {
			writeError(c, http.StatusUnauthorized, authErr.Label, authErr.Detail)
		} else {
			writeError(c, http.StatusUnauthorized, middleware.LabelInvalidToken, res.Err.Error())
		}
		return http.StatusUnauthorized

	case StageRateLimited:
		c.Header("Retry-After", retryAfterSeconds(res.Decision.RetryAfter))
		writeError(c, http.StatusTooManyRequests, "Rate limit exceeded", "")
		return http.StatusTooManyRequests

	default:
		status, label := forwardFailure(res.Err)
		if status >= http.StatusInternalServerError {
			p.logger.Warn("転送に失敗しました",
				zap.String("subject", res.Identity.Subject),
				zap.String("path", c.Request.URL.Path),
				zap.Error(res.Err),
			)
		}
		writeError(c, status, label, res.Err.Error())
		return status
	}
}

// forwardFailure は転送エラーをステータスコードとラベルに対応付ける。
func forwardFailure(err error) (int, string) {
	switch {
	case errors.Is(err, proxy.ErrBodyRead):
		return http.StatusBadRequest, "Body read fail"
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "Upstream unavailable"
	case errors.Is(err, proxy.ErrUpstreamRead):
		return http.StatusBadGateway, "Read fail"
	default:
		return http.StatusInternalServerError, "Build fail"
	}
}

// retryAfterSeconds はRetry-Afterヘッダー用に秒数を切り上げる。最小1秒。
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// writeError は {"error": label, "details": detail} 形式のエラーを返す。
// detailが空の場合はdetailsを省略する。
func writeError(c *gin.Context, status int, label, detail string) {
	body := gin.H{"error": label}
	if detail != "" {
		body["details"] = detail
	}
	c.AbortWithStatusJSON(status, body)
}
