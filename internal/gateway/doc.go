// Package gateway はエッジゲートウェイサービスの内部実装を提供する。
//
// 全ての受信リクエストについて呼び出し元IDを解決し、IDごとのトークンバケットで
// 流量を制限したうえで、上流のコアエンジンへ透過的に転送する。
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
package gateway
