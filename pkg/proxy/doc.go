// Package proxy はゲートウェイから上流サービスへリクエストを中継する Forwarder を提供する。
//
// 受信したリクエストボディを上限付きでメモリに読み込み、メソッド・パス・クエリ・
// ヘッダー（Hostを除く）をそのまま上流へ再送する。上流のステータス、ヘッダー、
// ボディは解釈せずに呼び出し元へ返す。
package proxy
