package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

// newTestServer はupstreamURLへ転送するテスト用サーバーを生成する。
// env で環境変数を追加・上書きできる。
func newTestServer(t *testing.T, upstreamURL string, env map[string]string) *Server {
	t.Helper()

	vars := map[string]string{
		"CORE_ENGINE_URL": upstreamURL,
		"JWT_SECRET":      testJWTSecret,
	}
	for k, v := range env {
		vars[k] = v
	}
	cfg, err := LoadConfig(envMap(vars))
	if err != nil {
		t.Fatalf("LoadConfig()でエラーが発生: %v", err)
	}

	s, err := NewServer(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close()でエラーが発生: %v", err)
		}
	})
	return s
}

// newEchoUpstream は受け取ったパスを返すテスト用の上流サーバーを起動する。
func newEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI())
	}))
	t.Cleanup(ts.Close)
	return ts
}

// serve はハンドラに直接リクエストを送る。
func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// statsBody は /stats のレスポンス。
type statsBody struct {
	Backend    string           `json:"backend"`
	Total      int64            `json:"total"`
	ByOutcome  map[string]int64 `json:"by_outcome"`
	Dropped    int64            `json:"dropped"`
	Identities int              `json:"identities"`
}

// TestPublicEndpoints は認証不要のエンドポイントを検証する。
func TestPublicEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("ヘルスチェックがバージョンと稼働秒数を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", nil)
		w := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["status"] != "ok" {
			t.Errorf("status = %v, want ok", body["status"])
		}
		if body["version"] != Version {
			t.Errorf("version = %v, want %q", body["version"], Version)
		}
		if secs, ok := body["uptime_secs"].(float64); !ok || secs < 0 {
			t.Errorf("uptime_secs = %v, want 0以上の数値", body["uptime_secs"])
		}
	})

	t.Run("ライセンス情報がヘッダーとボディで返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", map[string]string{
			"LICENSE_SOURCE_URL": "https://example.com/src",
		})
		w := serve(s, httptest.NewRequest(http.MethodGet, "/license", nil))

		if got := w.Header().Get("X-License"); got != "AGPL-3.0-or-later" {
			t.Errorf("X-License = %q, want %q", got, "AGPL-3.0-or-later")
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["license"] != "AGPL-3.0-or-later" {
			t.Errorf("license = %q, want %q", body["license"], "AGPL-3.0-or-later")
		}
		if body["source_code"] != "https://example.com/src" {
			t.Errorf("source_code = %q, want %q", body["source_code"], "https://example.com/src")
		}
	})

	t.Run("メトリクスに判定結果とID数が出力されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", nil)
		serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))

		w := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		for _, want := range []string{
			`edgegate_requests_total{outcome="auth_failed"} 1`,
			"edgegate_rate_limit_identities 0",
		} {
			if !strings.Contains(w.Body.String(), want) {
				t.Errorf("メトリクスに %q が含まれていない", want)
			}
		}
	})

	t.Run("統計が無効な場合は404を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", map[string]string{"STATS_BACKEND": "none"})
		w := serve(s, httptest.NewRequest(http.MethodGet, "/stats", nil))

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("Redisの統計を参照できること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		mr.HSet("edgegate:stats:total", "forwarded", "4", "auth_failed", "1")
		s := newTestServer(t, "http://127.0.0.1:1", map[string]string{
			"STATS_BACKEND":    "redis",
			"STATS_REDIS_ADDR": mr.Addr(),
		})
		w := serve(s, httptest.NewRequest(http.MethodGet, "/stats", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		var body statsBody
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body.Backend != StatsBackendRedis || body.Total != 5 || body.ByOutcome["forwarded"] != 4 {
			t.Errorf("stats = %+v, want redis backend with total 5", body)
		}
	})

	t.Run("SQLiteの統計を参照できること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", map[string]string{
			"STATS_BACKEND":     "sqlite",
			"STATS_SQLITE_PATH": filepath.Join(t.TempDir(), "stats.db"),
		})
		w := serve(s, httptest.NewRequest(http.MethodGet, "/stats", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		var body statsBody
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body.Backend != StatsBackendSQLite || body.Total != 0 {
			t.Errorf("stats = %+v, want sqlite backend with total 0", body)
		}
		if len(body.ByOutcome) != 4 {
			t.Errorf("by_outcome の件数 = %d, want 4", len(body.ByOutcome))
		}
	})
}

// TestCORS はゲートウェイ全体のCORSヘッダーを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("公開エンドポイントにCORSヘッダーが付くこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", nil)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://app.example.com")

		w := serve(s, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
		}
	})

	t.Run("上流のCORSヘッダーがゲートウェイの値より優先されること", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "https://up.example.com")
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(upstream.Close)

		s := newTestServer(t, upstream.URL, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/x", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("X-API-Key", "k")

		w := serve(s, req)
		if got := w.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "https://up.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %v, want [https://up.example.com]", got)
		}
	})
}

// TestDevToken は開発用トークン発行を検証する。
func TestDevToken(t *testing.T) {
	t.Parallel()

	t.Run("無効な場合はルートが存在しないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", nil)
		w := serve(s, httptest.NewRequest(http.MethodPost, "/auth/dev-token", nil))

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("発行したトークンでAPIを呼び出せること", func(t *testing.T) {
		t.Parallel()

		upstream := newEchoUpstream(t)
		s := newTestServer(t, upstream.URL, map[string]string{"DEV_TOKEN_ENABLED": "true"})

		w := serve(s, httptest.NewRequest(http.MethodPost, "/auth/dev-token", strings.NewReader(`{"subject":"alice","role":"admin"}`)))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		var issued struct {
			Token     string `json:"token"`
			Subject   string `json:"subject"`
			ExpiresAt int64  `json:"expires_at"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &issued); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if issued.Subject != "alice" {
			t.Errorf("subject = %q, want %q", issued.Subject, "alice")
		}
		if issued.ExpiresAt <= time.Now().Unix() {
			t.Errorf("expires_at = %d, want 未来の時刻", issued.ExpiresAt)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/compute?op=sum", nil)
		req.Header.Set("Authorization", "Bearer "+issued.Token)
		w = serve(s, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if got := w.Body.String(); got != "GET /api/v1/compute?op=sum" {
			t.Errorf("ボディ = %q, want %q", got, "GET /api/v1/compute?op=sum")
		}
		if _, ok := s.limiter.Tokens("alice"); !ok {
			t.Error("aliceのバケットが作られていない")
		}
	})

	t.Run("ボディが無い場合はsubjectを生成すること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", map[string]string{"DEV_TOKEN_ENABLED": "true"})
		w := serve(s, httptest.NewRequest(http.MethodPost, "/auth/dev-token", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if subject, _ := body["subject"].(string); subject == "" {
			t.Error("subjectが空")
		}
	})

	t.Run("不正なJSONは400を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, "http://127.0.0.1:1", map[string]string{"DEV_TOKEN_ENABLED": "true"})
		w := serve(s, httptest.NewRequest(http.MethodPost, "/auth/dev-token", strings.NewReader("{")))

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestNewServer はサーバー生成時の検証を確認する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("不正な設定ではエラーが返ること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfig(envMap(nil))
		if err != nil {
			t.Fatalf("LoadConfig()でエラーが発生: %v", err)
		}
		cfg.RateCapacity = 0

		if _, err := NewServer(context.Background(), cfg, nil); err == nil {
			t.Fatal("NewServer()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("Redisに接続できない場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfig(envMap(map[string]string{
			"STATS_BACKEND":    "redis",
			"STATS_REDIS_ADDR": "127.0.0.1:1",
		}))
		if err != nil {
			t.Fatalf("LoadConfig()でエラーが発生: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := NewServer(ctx, cfg, nil); err == nil {
			t.Fatal("NewServer()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestServe はリスナー上での起動から停止までを検証する。
func TestServe(t *testing.T) {
	t.Parallel()

	upstream := newEchoUpstream(t)
	s := newTestServer(t, upstream.URL, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	req, err := http.NewRequest(http.MethodGet, base+"/api/v1/items", nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗: %v", err)
	}
	req.Header.Set("X-API-Key", "k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("リクエストに失敗: %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(got) != "GET /api/v1/items" {
		t.Fatalf("レスポンス = %d %q, want 200 %q", resp.StatusCode, got, "GET /api/v1/items")
	}

	// 統計は非同期に書き込まれるため、反映されるまで待つ
	var body statsBody
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			t.Fatalf("/stats の取得に失敗: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("/stats のパースに失敗: %v", err)
		}
		if body.Total == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body.Total != 1 || body.ByOutcome["forwarded"] != 1 {
		t.Errorf("stats = %+v, want forwarded 1件", body)
	}
	if body.Identities != 1 {
		t.Errorf("identities = %d, want 1", body.Identities)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve()がキャンセル後に終了しない")
	}
}
