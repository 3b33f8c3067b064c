package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNew はNew関数を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("JSON形式のロガーを生成できること", func(t *testing.T) {
		t.Parallel()

		logger, err := New("warn", "json")
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Error("warnレベルのロガーでinfoが有効になっている")
		}
		if !logger.Core().Enabled(zapcore.ErrorLevel) {
			t.Error("warnレベルのロガーでerrorが無効になっている")
		}
	})

	t.Run("console形式のロガーを生成できること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("debug", "console"); err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
	})

	t.Run("不正なレベルでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("loud", "json"); err == nil {
			t.Fatal("New()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("不正な形式でエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("info", "xml"); err == nil {
			t.Fatal("New()がエラーを返すべきだが、nilが返った")
		}
	})
}
