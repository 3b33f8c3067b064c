// エッジゲートウェイのエントリポイント。
// 呼び出し元の認証、IDごとのレート制限、コアエンジンへの透過転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/edgegate/internal/gateway"
	"github.com/nao1215/edgegate/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig(os.Getenv)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("ゲートウェイの初期化に失敗しました", zap.Error(err))
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("終了処理に失敗しました", zap.Error(err))
		}
	}()

	if err := server.Run(ctx); err != nil {
		logger.Error("ゲートウェイが異常終了しました", zap.Error(err))
		return err
	}
	logger.Info("ゲートウェイを停止しました")
	return nil
}
