package middleware

import (
	"context"
	"math"

	"github.com/gin-gonic/gin"
)

const (
	// NoExpiry はAPIキー由来のIDなど有効期限を持たないIDの期限値。
	NoExpiry int64 = math.MaxInt64

	// APIKeySubject はX-API-Keyで解決されたIDのsubject。
	APIKeySubject = "api-key-user"
	// APIKeyRole はX-API-Keyで解決されたIDのロール。
	APIKeyRole = "api"
)

// Identity は1リクエスト分の呼び出し元を表す。生成後は変更しない。
type Identity struct {
	// Subject は呼び出し元の識別子。空にはならない。
	Subject string `json:"subject"`
	// Email は任意のメールアドレス。
	Email string `json:"email,omitempty"`
	// Role は任意のロール。
	Role string `json:"role,omitempty"`
	// ExpiresAt は有効期限（UNIX秒）。期限がない場合はNoExpiry。
	ExpiresAt int64 `json:"expires_at"`
}

// Expires は有効期限を持つかどうかを返す。
func (id Identity) Expires() bool {
	return id.ExpiresAt != NoExpiry
}

// apiKeyIdentity はX-API-Keyから合成する固定のIDを返す。
func apiKeyIdentity() Identity {
	return Identity{
		Subject:   APIKeySubject,
		Role:      APIKeyRole,
		ExpiresAt: NoExpiry,
	}
}

// AuthError は認証失敗を表す。Labelは機械可読な短いラベル、Detailは人が読む理由。
type AuthError struct {
	Label  string
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return e.Label
	}
	return e.Label + ": " + e.Detail
}

const (
	// LabelInvalidToken は署名・形式・期限のいずれかが不正なトークンのラベル。
	LabelInvalidToken = "Invalid token"
	// LabelAuthRequired は認証情報がないリクエストのラベル。
	LabelAuthRequired = "Auth required"
)

// errAuthRequired は認証情報が提示されなかったときのエラー。
var errAuthRequired = &AuthError{
	Label:  LabelAuthRequired,
	Detail: "Provide Bearer token or X-API-Key",
}

// identityContextKey はcontext.ContextにIdentityを格納するキー。
type identityContextKey struct{}

// ginIdentityKey はgin.ContextにIdentityを格納するキー。
const ginIdentityKey = "identity"

// WithIdentity はIdentityを格納したcontextを返す。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFrom はcontextからIdentityを取り出す。
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// SetIdentity はGinコンテキストとリクエストのcontextの両方にIdentityを設定する。
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(ginIdentityKey, id)
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
}

// GetIdentity はGinコンテキストからIdentityを取得する。
// 未設定の場合はfalseを返す。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ginIdentityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
