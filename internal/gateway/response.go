package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
	"github.com/pixelmuse/go-studio/pkg/logger"
)

// 统一响应辅助。
//
// 管理面 (/api/*) 用 success/error 信封; 产品面 (/generations, /feed,
// /status) 保持与上游管线一致的裸形态, 客户端库两边通用。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": gin.H{"code": "unauthorized", "message": "missing or invalid token"}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "internal server error"}})
}

// ─── 产品面裸形态 ───

// plainError 按上游管线的 {"error": "..."} 形态输出。
func plainError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// upstreamError 将上游调用错误映射为产品面响应。
// 超时 → 504, 其余上游故障 → 502; 详情进日志, 不向客户端透传内部错误链。
func upstreamError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Warn("upstream call failed", logger.Any(logger.FieldError, err))
	switch {
	case errors.Is(err, apperrors.ErrTimeout):
		plainError(c, http.StatusGatewayTimeout, "upstream timed out")
	case errors.Is(err, apperrors.ErrNotFound):
		plainError(c, http.StatusNotFound, "not found")
	default:
		plainError(c, http.StatusBadGateway, "upstream request failed")
	}
}
