// Package gateway 是生成管线前面的 BFF 网关: 代理提交与状态查询,
// 持久化信息流历史, 中继上游推送事件给 WS/SSE 订阅方。
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixelmuse/go-studio/internal/config"
	"github.com/pixelmuse/go-studio/internal/genapi"
	"github.com/pixelmuse/go-studio/internal/store"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
	"github.com/pixelmuse/go-studio/pkg/logger"
	"github.com/pixelmuse/go-studio/pkg/util"
)

// feedStore 网关 handler 需要的信息流存储口径。
// *store.FeedEntryStore 是生产实现, 测试注入内存桩。
type feedStore interface {
	Insert(ctx context.Context, e store.FeedEntry) error
	List(ctx context.Context, p store.FeedListParams) ([]store.FeedEntry, error)
	Get(ctx context.Context, id string) (*store.FeedEntry, error)
	Delete(ctx context.Context, id string) error
	DeleteBatch(ctx context.Context, ids []string) (int64, error)
	ListFilterValues(ctx context.Context) (map[string][]string, error)
}

// systemLogStore 系统日志查询口径。
type systemLogStore interface {
	List(ctx context.Context, p store.ListParams) ([]store.SystemLog, error)
	ListFilterValues(ctx context.Context) (map[string][]string, error)
}

// Server 网关 HTTP 服务。
type Server struct {
	router   *gin.Engine
	cfg      *config.Config
	feed     feedStore
	syslog   systemLogStore
	bus      *EventBus
	relay    *Relay
	upstream *genapi.Client

	stylesMu sync.RWMutex
	styles   *config.StylesSnapshot

	wsConns atomic.Int64
	nextWS  atomic.Int64
}

// NewServer 创建网关服务并注册路由。
func NewServer(cfg *config.Config, feed feedStore, syslog systemLogStore,
	bus *EventBus, relay *Relay, upstream *genapi.Client) *Server {

	if cfg.AppEnv != "development" && cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	styles, err := config.LoadStylesSnapshot(cfg.StylesPath)
	if err != nil {
		logger.Warnw("gateway: load styles failed",
			logger.FieldPath, cfg.StylesPath, logger.FieldError, err)
		styles = &config.StylesSnapshot{Raw: &config.StylesRaw{}}
	}

	s := &Server{
		router:   router,
		cfg:      cfg,
		feed:     feed,
		syslog:   syslog,
		bus:      bus,
		relay:    relay,
		upstream: upstream,
		styles:   styles,
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎 (测试用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 启动 HTTP 服务并阻塞到 ctx 取消, 关停给活跃请求 5 秒收尾。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.SafeGo(func() {
		<-ctx.Done()
		logger.Info("gateway: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("gateway: shutdown completed")
	})

	logger.Info("gateway: listening", logger.FieldAddr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(err, "Server.Run", "listen")
	}
	return nil
}
