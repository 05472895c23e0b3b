// cmd/gateway — 生成网关主入口。
package main

import (
	"context"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixelmuse/go-studio/internal/config"
	"github.com/pixelmuse/go-studio/internal/database"
	"github.com/pixelmuse/go-studio/internal/gateway"
	"github.com/pixelmuse/go-studio/internal/genapi"
	"github.com/pixelmuse/go-studio/internal/monitor"
	"github.com/pixelmuse/go-studio/internal/poll"
	"github.com/pixelmuse/go-studio/internal/store"
	"github.com/pixelmuse/go-studio/internal/stream"
	"github.com/pixelmuse/go-studio/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warnw("file logging unavailable", logger.FieldError, err)
		} else {
			defer logger.ShutdownFileHandler()
		}
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()
	logger.AttachDBHandler(pool)
	defer logger.ShutdownDBHandler()

	if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}

	feed := store.NewFeedEntryStore(pool)
	syslog := store.NewSystemLogStore(pool)
	if n, err := syslog.Cleanup(ctx, cfg.SystemLogRetentionDays); err != nil {
		logger.Warnw("system log cleanup failed", logger.FieldError, err)
	} else if n > 0 {
		logger.Infow("system log cleaned", logger.FieldCount, n)
	}

	bus := gateway.NewEventBus(newRedisClient(ctx, cfg), cfg.RedisChannel)
	defer bus.Close()

	upstream := genapi.New(cfg.UpstreamBaseURL,
		genapi.WithToken(func() string { return cfg.UpstreamAPIToken }))

	mux := stream.New(
		&stream.WSDialer{URL: streamURL(cfg), Token: cfg.UpstreamAPIToken},
		stream.WithBackoff(
			time.Duration(cfg.StreamBackoffBaseMS)*time.Millisecond,
			time.Duration(cfg.StreamBackoffMaxSec)*time.Second),
		stream.WithMaxAttempts(cfg.StreamMaxAttempts),
	)
	defer mux.Disconnect()

	pollers := func(jobID string, h stream.Handlers) (stop func()) {
		return poll.NewWatcher(upstream, jobID, h,
			poll.WithInterval(time.Duration(cfg.PollIntervalSec)*time.Second),
			poll.WithMaxAttempts(cfg.PollMaxAttempts),
		).Start(ctx)
	}

	relay := gateway.NewRelay(mux, feed, bus, pollers)
	defer relay.Close()
	recoverInFlight(ctx, feed, relay)

	sweeper := monitor.NewSweeper(feed, bus,
		time.Duration(cfg.SweepMaxAgeMin)*time.Minute,
		time.Duration(cfg.SweepIntervalSec)*time.Second)
	sweeper.Start(ctx)

	srv := gateway.NewServer(cfg, feed, syslog, bus, relay, upstream)
	logger.Infow("gateway starting", logger.FieldPort, cfg.Port)
	if err := srv.Run(ctx, ":"+strconv.Itoa(cfg.Port)); err != nil {
		logger.Fatal("server failed", logger.Any(logger.FieldError, err))
	}
	logger.Info("shutting down")
}

// newRedisClient 建立 Redis 连接。未配置或探活失败时返回 nil,
// 事件总线退化为单实例本地扇出。
func newRedisClient(ctx context.Context, cfg *config.Config) redis.UniversalClient {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnw("redis unreachable, falling back to local fanout",
			logger.FieldAddr, cfg.RedisAddr, logger.FieldError, err)
		_ = client.Close()
		return nil
	}
	logger.Infow("redis event bridge connected", logger.FieldAddr, cfg.RedisAddr)
	return client
}

// streamURL 上游推流地址。未显式配置时由 base URL 派生 ws(s) 地址。
func streamURL(cfg *config.Config) string {
	if cfg.UpstreamStreamURL != "" {
		return cfg.UpstreamStreamURL
	}
	u := cfg.UpstreamBaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + "/stream"
}

// recoverInFlight 重启后把仍在途的条目重新挂上事件追踪。
func recoverInFlight(ctx context.Context, feed *store.FeedEntryStore, relay *gateway.Relay) {
	ids, err := feed.InFlightRequestIDs(ctx)
	if err != nil {
		logger.Warnw("inflight recovery query failed", logger.FieldError, err)
		return
	}
	for _, id := range ids {
		if err := relay.Track(id); err != nil {
			logger.Warnw("inflight recovery attach failed",
				logger.FieldRequestID, id, logger.FieldError, err)
		}
	}
	if len(ids) > 0 {
		logger.Infow("inflight tracking recovered", logger.FieldCount, len(ids))
	}
}
