package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPrecacheURLs 是站点外壳的默认预缓存清单，必须包含 / 与 /index.html。
var DefaultPrecacheURLs = []string{
	"/",
	"/index.html",
	"/style.css",
	"/script.js",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySiteDefaults(&cfg.Site)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", "fs")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Site.AllowPassthrough", false)

	v.SetDefault("Worker.CacheVersion", "v1")
	v.SetDefault("Worker.PrecachePrefix", "precache")
	v.SetDefault("Worker.RuntimeCache", "runtime")
	v.SetDefault("Worker.PrecacheURLs", DefaultPrecacheURLs)
	v.SetDefault("Worker.OfflineFallback", "/index.html")
	v.SetDefault("Worker.SkipWaiting", true)
	v.SetDefault("Worker.RuntimeMaxAge", 0)
	v.SetDefault("Worker.InstallConcurrency", 4)
	v.SetDefault("Worker.ClientTTL", "30m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.StorageDriver == "" {
		g.StorageDriver = "fs"
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
	hosts := s.SiteHosts[:0]
	for _, host := range s.SiteHosts {
		if trimmed := strings.ToLower(strings.TrimSpace(host)); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	s.SiteHosts = hosts
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if w.PrecachePrefix == "" {
		w.PrecachePrefix = "precache"
	}
	if w.RuntimeCache == "" {
		w.RuntimeCache = "runtime"
	}
	if len(w.PrecacheURLs) == 0 {
		w.PrecacheURLs = append([]string(nil), DefaultPrecacheURLs...)
	}
	if w.OfflineFallback == "" {
		w.OfflineFallback = "/index.html"
	}
	if w.InstallConcurrency == 0 {
		w.InstallConcurrency = 4
	}
	if w.ClientTTL.DurationValue() == 0 {
		w.ClientTTL = Duration(30 * time.Minute)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
