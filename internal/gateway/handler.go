// handler.go — 网关 REST handlers: 产品面 + 管理面。
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelmuse/go-studio/internal/config"
	"github.com/pixelmuse/go-studio/internal/genapi"
	"github.com/pixelmuse/go-studio/internal/metrics"
	"github.com/pixelmuse/go-studio/internal/store"
	"github.com/pixelmuse/go-studio/internal/timeline"
	"github.com/pixelmuse/go-studio/pkg/logger"
)

// 提交请求体上限。schema 校验前先截断, 防止超大 body 进内存。
const maxSubmitBody = 256 << 10

// registerRoutes 注册全部路由。
//
// 产品面挂在根路径, 请求/响应形态与上游管线一致, 直连管线的客户端
// 换个 base URL 即可切到网关。管理面挂在 /api 下, 用统一信封。
func (s *Server) registerRoutes() {
	auth := authMiddleware(s.cfg.GatewayAPIToken)

	// 产品面
	prod := s.router.Group("/", auth)
	prod.POST("/generations", s.submitHandler)
	prod.GET("/feed", s.feedHandler)
	prod.GET("/status/:jobId", s.statusHandler)
	prod.GET("/stream", s.streamHandler)
	prod.GET("/events", s.sseHandler)

	// 管理面
	api := s.router.Group("/api", auth)
	api.GET("/feed", s.listFeed)
	api.GET("/feed/filters", s.listFeedFilters)
	api.GET("/feed/:id", s.getFeedEntry)
	api.DELETE("/feed/:id", s.deleteFeedEntry)
	api.POST("/feed/delete", s.deleteFeedBatch)
	api.GET("/system-log", s.listSystemLog)
	api.GET("/system-log/filters", s.listSystemLogFilters)
	api.GET("/styles", s.listStyles)
	api.PUT("/styles", s.saveStyles)

	// 运维面: 不过鉴权 (探活与抓取器通常不带业务 token)
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ========================================
// 辅助: 从 query 读分页参数 (DRY)
// ========================================

func (s *Server) queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if max := s.cfg.FeedMaxLimit; max > 0 && v > max {
		return max
	}
	return v
}

// ========================================
// 产品面
// ========================================

// submitHandler POST /generations — 提交生成请求。
//
// 流程: schema 校验 → 上游提交 → 落库用户条目 (+可选系统条目) →
// 附加事件追踪。上游失败不落任何条目, 响应 {"error": ...}。
func (s *Server) submitHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSubmitBody))
	if err != nil {
		metrics.ObserveSubmission("rejected")
		plainError(c, http.StatusBadRequest, "read request body failed")
		return
	}
	if msg := validateSubmit(body); msg != "" {
		metrics.ObserveSubmission("rejected")
		plainError(c, http.StatusBadRequest, msg)
		return
	}

	var req genapi.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.ObserveSubmission("rejected")
		plainError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" && len(req.InputImages) == 0 {
		metrics.ObserveSubmission("rejected")
		plainError(c, http.StatusBadRequest, "prompt and input images both empty")
		return
	}
	if req.AlbumID == "" {
		req.AlbumID = s.cfg.DefaultAlbumID
	}
	if req.NumImages <= 0 {
		req.NumImages = 1
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(),
		time.Duration(s.cfg.SubmitTimeoutSec)*time.Second)
	defer cancel()
	resp, err := s.upstream.SubmitGeneration(ctx, req)
	if err != nil {
		metrics.ObserveSubmission("upstream_error")
		logger.Warnw("gateway: submit upstream failed", logger.FieldError, err)
		upstreamError(c, err)
		return
	}

	s.persistSubmission(req, resp)
	if err := s.relay.Track(resp.RequestID); err != nil {
		// 追踪失败不挡提交结果, 客户端仍可自行轮询 /status
		logger.Warnw("gateway: tracking attach failed",
			logger.FieldRequestID, resp.RequestID, logger.FieldError, err)
	}

	metrics.ObserveSubmission("accepted")
	logger.Infow("gateway: generation submitted",
		logger.FieldRequestID, resp.RequestID, logger.FieldAlbumID, req.AlbumID)
	c.JSON(http.StatusOK, resp)
}

// persistSubmission 提交成功后的落库: 用户条目带 requestId 置
// thinking; 上游捎带的系统消息落为独立系统条目。落库失败只记日志,
// 生成已在跑, 不把错误抛回客户端。
func (s *Server) persistSubmission(req genapi.SubmitRequest, resp *genapi.SubmitResponse) {
	ctx, cancel := storeCtx()
	defer cancel()

	entry := store.FeedEntryFromTimeline(req.AlbumID, timeline.Entry{
		ID:        uuid.NewString(),
		Kind:      timeline.KindUser,
		Status:    timeline.StatusThinking,
		RequestID: resp.RequestID,
		Text:      req.Prompt,
		Images:    req.InputImages,
		Ts:        time.Now(),
	})
	if err := s.feed.Insert(ctx, entry); err != nil {
		logger.Errorw("gateway: persist user entry failed",
			logger.FieldRequestID, resp.RequestID, logger.FieldError, err)
	}
	s.bus.Publish(ctx, Event{
		Type:      EventEntryCreated,
		RequestID: resp.RequestID,
		Data:      entry.ToEntry(),
	})

	if resp.SystemMessage == "" {
		return
	}
	sys := store.FeedEntryFromTimeline(req.AlbumID, timeline.Entry{
		ID:     uuid.NewString(),
		Kind:   timeline.KindSystem,
		Status: timeline.StatusComplete,
		Text:   resp.SystemMessage,
		Ts:     time.Now(),
	})
	if err := s.feed.Insert(ctx, sys); err != nil {
		logger.Warnw("gateway: persist system entry failed", logger.FieldError, err)
	}
	s.bus.Publish(ctx, Event{Type: EventEntryCreated, Data: sys.ToEntry()})
}

// feedHandler GET /feed — 历史分页, 新到旧。
//
// 响应 {"entries": [...]}, 条目形态与客户端时间线一致。albumId 为空
// 时不过滤相册。
func (s *Server) feedHandler(c *gin.Context) {
	items, err := s.feed.List(c.Request.Context(), store.FeedListParams{
		AlbumID: c.Query("albumId"),
		Before:  c.Query("before"),
		Limit:   s.queryLimit(c, 50),
	})
	if err != nil {
		logger.Errorw("gateway: list feed failed", logger.FieldError, err)
		plainError(c, http.StatusInternalServerError, "list feed failed")
		return
	}
	entries := make([]timeline.Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, it.ToEntry())
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// statusHandler GET /status/:jobId — 上游状态透传。
//
// 原样转发上游响应体, 下游拿到与直连管线一致的载荷, 自行归一化。
func (s *Server) statusHandler(c *gin.Context) {
	jobID := c.Param("jobId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), relayStoreTimeout)
	defer cancel()
	raw, err := s.upstream.JobStatusRaw(ctx, jobID)
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"inflight": s.relay.InFlight(),
	})
}

// ========================================
// 管理面: Feed
// ========================================

func (s *Server) listFeed(c *gin.Context) {
	items, err := s.feed.List(c.Request.Context(), store.FeedListParams{
		AlbumID:   c.Query("albumId"),
		RequestID: c.Query("requestId"),
		Kind:      c.Query("kind"),
		Keyword:   c.Query("keyword"),
		Before:    c.Query("before"),
		Limit:     s.queryLimit(c, 100),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listFeedFilters(c *gin.Context) {
	values, err := s.feed.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, values)
}

func (s *Server) getFeedEntry(c *gin.Context) {
	item, err := s.feed.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err)
		return
	}
	if item == nil {
		notFound(c, "feed entry not found")
		return
	}
	success(c, item)
}

func (s *Server) deleteFeedEntry(c *gin.Context) {
	if err := s.feed.Delete(c.Request.Context(), c.Param("id")); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}

func (s *Server) deleteFeedBatch(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	n, err := s.feed.DeleteBatch(c.Request.Context(), req.IDs)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"deleted": n})
}

// ========================================
// 管理面: 系统日志与风格目录
// ========================================

func (s *Server) listSystemLog(c *gin.Context) {
	items, err := s.syslog.List(c.Request.Context(), store.ListParams{
		Level:     c.Query("level"),
		Logger:    c.Query("logger"),
		Source:    c.Query("source"),
		Component: c.Query("component"),
		RequestID: c.Query("request_id"),
		JobID:     c.Query("job_id"),
		EventType: c.Query("event_type"),
		Keyword:   c.Query("keyword"),
		Limit:     s.queryLimit(c, 100),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listSystemLogFilters(c *gin.Context) {
	values, err := s.syslog.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, values)
}

// listStyles 返回风格目录快照。哈希不变时前端可保留本地缓存。
func (s *Server) listStyles(c *gin.Context) {
	s.stylesMu.RLock()
	snap := s.styles
	s.stylesMu.RUnlock()
	success(c, snap)
}

// saveStyles 整体覆盖风格目录并重载快照。
func (s *Server) saveStyles(c *gin.Context) {
	var req config.StylesRaw
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := config.SaveStyles(s.cfg.StylesPath, &req); err != nil {
		serverError(c, err)
		return
	}
	snap, err := config.LoadStylesSnapshot(s.cfg.StylesPath)
	if err != nil {
		serverError(c, err)
		return
	}
	s.stylesMu.Lock()
	s.styles = snap
	s.stylesMu.Unlock()
	logger.Infow("gateway: styles catalog updated",
		logger.FieldCount, len(req.Styles), logger.FieldPath, s.cfg.StylesPath)
	success(c, snap)
}
