package proxy

import "errors"

var (
	// ErrBodyRead は受信ボディの読み込み失敗、またはサイズ上限超過を表す。
	ErrBodyRead = errors.New("body read failed")
	// ErrUpstreamUnavailable は上流への接続失敗、タイムアウト等を表す。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRead は上流レスポンスボディの読み込み失敗を表す。
	ErrUpstreamRead = errors.New("upstream read failed")
	// ErrResponseBuild はクライアント向けレスポンスを組み立てられないことを表す。
	ErrResponseBuild = errors.New("response build failed")
)
