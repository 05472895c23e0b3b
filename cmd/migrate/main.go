// cmd/migrate — 手动执行数据库迁移 (部署脚本用)。
//
// 网关启动时也会自动迁移, 本工具用于发布前单独跑迁移或
// 在目标库上做预检。
package main

import (
	"context"
	"flag"

	"github.com/pixelmuse/go-studio/internal/config"
	"github.com/pixelmuse/go-studio/internal/database"
	"github.com/pixelmuse/go-studio/pkg/logger"
)

func main() {
	dir := flag.String("dir", "./migrations", "migrations directory")
	flag.Parse()

	ctx := context.Background()
	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, *dir); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}
	logger.Info("migrations up to date")
}
