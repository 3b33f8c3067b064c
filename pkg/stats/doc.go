// Package stats はゲートウェイの判定結果（転送・認証失敗・レート制限・転送失敗）を記録する。
//
// 記録はベストエフォートで行い、レスポンスには影響させない。
// 保存先はメモリ・Redis・SQLiteから選択する。
package stats
