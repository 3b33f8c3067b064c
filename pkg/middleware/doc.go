// Package middleware はゲートウェイのHTTP処理で使用する共通部品を提供する。
//
// 呼び出し元IDの解決（Bearer JWT / X-API-Key）、開発用トークンの発行、
// リクエストログ、パニックリカバリ、CORS設定を含む。
package middleware
