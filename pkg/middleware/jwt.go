package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims はBearerトークンのクレーム。
// subjectはsub、有効期限はexpに入る。
type Claims struct {
	jwt.RegisteredClaims
	// Email は任意のメールアドレス。
	Email string `json:"email,omitempty"`
	// Role は任意のロール。
	Role string `json:"role,omitempty"`
}

// Resolver はリクエストヘッダーから呼び出し元のIdentityを解決する。
// 判定順は Bearer トークン、X-API-Key の順で固定。
type Resolver struct {
	secret []byte
	parser *jwt.Parser
}

// ResolverOption はResolverの設定を変更する。
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	now func() time.Time
}

// WithTimeFunc は有効期限の判定に使う現在時刻の関数を設定する。
func WithTimeFunc(now func() time.Time) ResolverOption {
	return func(c *resolverConfig) { c.now = now }
}

// NewResolver は共有シークレットでHS256トークンを検証するResolverを生成する。
// audienceとissuerは検証しない。
func NewResolver(secret string, opts ...ResolverOption) *Resolver {
	cfg := resolverConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Resolver{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(cfg.now),
		),
	}
}

// Resolve はヘッダーからIdentityを解決する。失敗時は*AuthErrorを返す。
//
// AuthorizationヘッダーがBearer形式でない場合はX-API-Keyの判定に進む。
func (r *Resolver) Resolve(h http.Header) (Identity, error) {
	if token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer "); ok {
		return r.verify(token)
	}
	if h.Get("X-API-Key") != "" {
		return apiKeyIdentity(), nil
	}
	return Identity{}, errAuthRequired
}

// verify はトークンを検証してIdentityに変換する。
func (r *Resolver) verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	if _, err := r.parser.ParseWithClaims(tokenString, claims, r.key); err != nil {
		return Identity{}, &AuthError{Label: LabelInvalidToken, Detail: err.Error()}
	}
	if claims.Subject == "" {
		return Identity{}, &AuthError{Label: LabelInvalidToken, Detail: "token has no subject"}
	}

	return Identity{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

func (r *Resolver) key(_ *jwt.Token) (any, error) {
	return r.secret, nil
}

// GenerateJWT はIdentityからHS256トークンを生成する。
// ExpiresAtがNoExpiryのIdentityからは生成できない。
func GenerateJWT(secret string, id Identity) (string, error) {
	if id.Subject == "" {
		return "", errors.New("subjectが空のトークンは生成できません")
	}
	if !id.Expires() {
		return "", errors.New("有効期限のないトークンは生成できません")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			ExpiresAt: jwt.NewNumericDate(time.Unix(id.ExpiresAt, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: id.Email,
		Role:  id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
