package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志、缓存存储与回源超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// SiteConfig 描述被缓存的站点：源站地址以及哪些 Host 视为同源。
type SiteConfig struct {
	Origin           string   `mapstructure:"Origin"`
	SiteHosts        []string `mapstructure:"SiteHosts"`
	AllowPassthrough bool     `mapstructure:"AllowPassthrough"`
}

// WorkerConfig 对应一个离线缓存版本：缓存命名、预缓存清单与运行时策略参数。
type WorkerConfig struct {
	CacheVersion       string   `mapstructure:"CacheVersion"`
	PrecachePrefix     string   `mapstructure:"PrecachePrefix"`
	RuntimeCache       string   `mapstructure:"RuntimeCache"`
	PrecacheURLs       []string `mapstructure:"PrecacheURLs"`
	OfflineFallback    string   `mapstructure:"OfflineFallback"`
	SkipWaiting        bool     `mapstructure:"SkipWaiting"`
	RuntimeMaxAge      Duration `mapstructure:"RuntimeMaxAge"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	ClientTTL          Duration `mapstructure:"ClientTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// PrecacheName 返回当前版本的预缓存名称，形如 precache-v1。
func (w WorkerConfig) PrecacheName() string {
	return w.PrecachePrefix + "-" + w.CacheVersion
}
