package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/LJTian/trendfeed/internal/collector"
)

type Config struct {
	AppPort string

	// 配置了用户名与密码时启用 Basic Auth
	BasicAuthUser string
	BasicAuthPass string

	// RedisAddr 为空时状态只保存在进程内存
	RedisAddr      string
	RedisKeyPrefix string

	ContentTTL     time.Duration
	HealthTTL      time.Duration
	ProbeDelay     time.Duration
	SafetyTimeout  time.Duration
	RequestTimeout time.Duration

	RSS2JSONEndpoint   string
	AllOriginsEndpoint string

	SeedFile        string
	DisabledSources []string

	RefreshCron string
	HealthCron  string

	UserAgent string
}

func Load() *Config {
	cfg := &Config{
		AppPort:            getEnv("APP_PORT", "9000"),
		BasicAuthUser:      getEnv("APP_BASIC_USER", ""),
		BasicAuthPass:      getEnv("APP_BASIC_PASS", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisKeyPrefix:     getEnv("REDIS_KEY_PREFIX", "trendfeed:"),
		ContentTTL:         getDuration("CONTENT_TTL", 30*time.Minute),
		HealthTTL:          getDuration("HEALTH_TTL", 60*time.Minute),
		ProbeDelay:         getDuration("PROBE_DELAY", 3*time.Second),
		SafetyTimeout:      getDuration("SAFETY_TIMEOUT", 4*time.Second),
		RequestTimeout:     getDuration("REQUEST_TIMEOUT", 15*time.Second),
		RSS2JSONEndpoint:   getEnv("RSS2JSON_ENDPOINT", collector.DefaultProxyEndpoints().RSS2JSON),
		AllOriginsEndpoint: getEnv("ALLORIGINS_ENDPOINT", collector.DefaultProxyEndpoints().AllOrigins),
		SeedFile:           getEnv("SEED_FILE", ""),
		DisabledSources:    getList("DISABLED_SOURCES"),
		RefreshCron:        getEnv("REFRESH_CRON", "*/5 * * * *"),
		HealthCron:         getEnv("HEALTH_CRON", "0 * * * *"),
		UserAgent:          getEnv("USER_AGENT", "TrendFeedBot/1.0"),
	}

	store := "memory"
	if cfg.RedisAddr != "" {
		store = "redis@" + cfg.RedisAddr
	}
	log.Printf("config loaded: port=%s store=%s content_ttl=%s health_ttl=%s refresh_cron=%q health_cron=%q",
		cfg.AppPort, store, cfg.ContentTTL, cfg.HealthTTL, cfg.RefreshCron, cfg.HealthCron)
	return cfg
}

// ProxyEndpoints 共享代理地址
func (c *Config) ProxyEndpoints() collector.ProxyEndpoints {
	return collector.ProxyEndpoints{RSS2JSON: c.RSS2JSONEndpoint, AllOrigins: c.AllOriginsEndpoint}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getDuration 解析失败时记录警告并使用默认值
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Printf("warn: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

// getList 逗号分隔，忽略空项
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
