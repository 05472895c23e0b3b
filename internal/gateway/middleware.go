// middleware.go — 请求 ID、指标、访问日志与鉴权中间件。
package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pixelmuse/go-studio/pkg/logger"
)

// requestIDMiddleware 透传或生成 X-Request-ID，并注入请求级 logger。
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Writer.Header().Set("X-Request-ID", id)

		l := logger.With(logger.FieldRequestID, id)
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), l))
		c.Next()
	}
}

// metricsMiddleware 记录请求计数与时延 (按路由模板聚合, 防止标签爆炸)。
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		latency := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(latency)
	}
}

// requestLogger 访问日志。推送长连接 (/stream, /events) 在断开时才落一条。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.FromContext(c.Request.Context()).Info("http request",
			logger.FieldMethod, method,
			logger.FieldPath, path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
		)
	}
}

// authMiddleware 共享 token 鉴权。token 为空时关闭鉴权。
//
// 浏览器的 WebSocket/EventSource 无法携带自定义 header, 推送端点
// 允许用 access_token 查询参数替代 (RFC 6750 2.3)。
func authMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return func(c *gin.Context) {
		got := c.GetHeader("Authorization")
		if strings.HasPrefix(got, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
		}
		if got == "" {
			got = c.Query("access_token")
		}
		if got != token {
			unauthorized(c)
			return
		}
		c.Next()
	}
}
