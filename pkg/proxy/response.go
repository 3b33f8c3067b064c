package proxy

import (
	"fmt"
	"net/http"
)

// Response は上流から受け取ったレスポンス。
type Response struct {
	// StatusCode は上流のステータスコード。
	StatusCode int
	// Header は上流のレスポンスヘッダー。
	Header http.Header
	// Body は上流のレスポンスボディ。
	Body []byte
}

// Relay はレスポンスをそのまま w に書き出す。
// w に既に設定されているヘッダーは、同名の上流ヘッダーで置き換える。
func (r *Response) Relay(w http.ResponseWriter) error {
	h := w.Header()
	for key, values := range r.Header {
		h.Del(key)
		for _, v := range values {
			h.Add(key, v)
		}
	}
	w.WriteHeader(r.StatusCode)

	if len(r.Body) == 0 {
		return nil
	}
	if _, err := w.Write(r.Body); err != nil {
		return fmt.Errorf("レスポンスボディの書き込みに失敗: %w", err)
	}
	return nil
}
