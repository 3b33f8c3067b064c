// Package ratelimit は呼び出し元ごとのリクエスト予算を管理するトークンバケットを提供する。
//
// Registry はサブジェクトIDをキーとしてバケットを遅延生成し、
// 補充と消費を1つのクリティカルセクションで行う。状態はプロセスローカルであり、
// 複数のゲートウェイインスタンス間では共有しない。
package ratelimit
