// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/pixelmuse/go-studio/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 运行时
	AppEnv string `env:"APP_ENV" default:"production"`
	Port   int    `env:"PORT" default:"8080" min:"1"`
	LogDir string `env:"LOG_DIR"` // 非空时日志同时写文件

	// 上游生成管线
	UpstreamBaseURL   string `env:"UPSTREAM_BASE_URL" default:"http://localhost:9100"`
	UpstreamStreamURL string `env:"UPSTREAM_STREAM_URL"` // 为空时由 BaseURL 派生 ws 地址
	UpstreamAPIToken  string `env:"UPSTREAM_API_TOKEN"`
	SubmitTimeoutSec  int    `env:"SUBMIT_TIMEOUT_SEC" default:"30" min:"1"`

	// 网关对外
	GatewayAPIToken string `env:"GATEWAY_API_TOKEN"` // 为空时关闭鉴权
	DefaultAlbumID  string `env:"DEFAULT_ALBUM_ID" default:"default-album"`
	FeedMaxLimit    int    `env:"FEED_MAX_LIMIT" default:"100" min:"1"`
	StreamMaxConns  int    `env:"STREAM_MAX_CONNS" default:"64" min:"1"`
	SSEKeepaliveSec int    `env:"SSE_KEEPALIVE_SEC" default:"30" min:"1"`
	StylesPath      string `env:"STYLES_PATH" default:"./styles.json"`

	// 系统日志保留期 (启动时清理一次)
	SystemLogRetentionDays int `env:"SYSTEM_LOG_RETENTION_DAYS" default:"30" min:"1"`

	// 推送流重连
	StreamBackoffBaseMS int `env:"STREAM_BACKOFF_BASE_MS" default:"1000" min:"1"`
	StreamBackoffMaxSec int `env:"STREAM_BACKOFF_MAX_SEC" default:"30" min:"1"`
	StreamMaxAttempts   int `env:"STREAM_MAX_ATTEMPTS" default:"10" min:"1"`

	// 状态轮询兜底
	PollIntervalSec int `env:"POLL_INTERVAL_SEC" default:"2" min:"1"`
	PollMaxAttempts int `env:"POLL_MAX_ATTEMPTS" default:"60" min:"1"`

	// 滞留条目巡检
	SweepIntervalSec int `env:"SWEEP_INTERVAL_SEC" default:"60" min:"1"`
	SweepMaxAgeMin   int `env:"SWEEP_MAX_AGE_MIN" default:"30" min:"1"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// Redis 事件桥 (为空时仅本地扇出)
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL" default:"pixelmuse:events"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
