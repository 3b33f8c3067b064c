package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout は上流呼び出しの既定タイムアウト。
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes は受信ボディの既定上限（50MiB）。
	DefaultMaxBodyBytes int64 = 50 << 20
)

// Forwarder は受信リクエストを上流サービスへ再送し、そのレスポンスを返す。
type Forwarder struct {
	// httpClient は上流呼び出しに使うHTTPクライアント。
	httpClient *http.Client
	// baseURL は上流サービスのベースURL（末尾のスラッシュは除去済み）。
	baseURL string
	// maxBodyBytes は受信ボディの上限バイト数。
	maxBodyBytes int64
}

// Option はForwarderの設定を変更する関数。
type Option func(*Forwarder)

// WithTimeout は上流呼び出しのタイムアウトを設定する。0はタイムアウトなし。
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.httpClient.Timeout = d }
}

// WithMaxBodyBytes は受信ボディの上限を設定する。
func WithMaxBodyBytes(n int64) Option {
	return func(f *Forwarder) { f.maxBodyBytes = n }
}

// WithTransport は上流呼び出しに使うトランスポートを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) { f.httpClient.Transport = rt }
}

// New は新しいForwarderを生成する。
// baseURLには上流サービスのベースURL（例: "http://core-engine:8081"）を指定する。
func New(baseURL string, opts ...Option) *Forwarder {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// 上流のContent-Encodingとボディをそのまま中継するため、自動伸長を無効にする
	transport.DisableCompression = true

	f := &Forwarder{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   DefaultTimeout,
			// リダイレクトは追従せず、3xxをそのままクライアントへ返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:      strings.TrimRight(baseURL, "/"),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BaseURL は上流サービスのベースURLを返す。
func (f *Forwarder) BaseURL() string {
	return f.baseURL
}

// Forward は r を上流へ再送し、上流のレスポンスを返す。
// 返すエラーは ErrBodyRead, ErrUpstreamUnavailable, ErrUpstreamRead,
// ErrResponseBuild のいずれかをラップしている。
func (f *Forwarder) Forward(ctx context.Context, r *http.Request) (*Response, error) {
	body, err := f.readBody(r)
	if err != nil {
		return nil, err
	}

	target := f.Target(r.URL)
	out, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: 上流リクエストの作成に失敗: %w", ErrUpstreamUnavailable, err)
	}

	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Del("Host")
	// 受信リクエストにUser-Agentが無い場合、Goの既定値を付与しない
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}

	resp, err := f.httpClient.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 599 {
		return nil, fmt.Errorf("%w: 中継できないステータスコード %d", ErrResponseBuild, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamRead, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// Target は受信URLから上流のURLを組み立てる。
// ベースURLに受信パスをそのまま連結し、クエリがあれば付与する。
func (f *Forwarder) Target(u *url.URL) string {
	target := f.baseURL + u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}

// readBody は受信ボディを上限付きで読み込む。
func (f *Forwarder) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: Content-Length %d が上限 %d バイトを超えています", ErrBodyRead, r.ContentLength, f.maxBodyBytes)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}
	if int64(len(data)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: リクエストボディが上限 %d バイトを超えています", ErrBodyRead, f.maxBodyBytes)
	}
	return data, nil
}
