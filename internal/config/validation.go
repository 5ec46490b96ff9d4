package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/finemagazi/shellcache/internal/cache"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":   {},
	"bolt": {},
}

// 离线兜底依赖这两个地址，预缓存清单必须包含。
var requiredPrecacheURLs = []string{"/", "/index.html"}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|bolt")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.Site.validate(); err != nil {
		return err
	}
	return c.Worker.validate()
}

func (s SiteConfig) validate() error {
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("%s: %w", siteField("Origin"), err)
	}
	for _, host := range s.SiteHosts {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("%s: %w", siteField("SiteHosts"), err)
		}
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if w.CacheVersion == "" {
		return newFieldError(workerField("CacheVersion"), "不能为空")
	}
	if err := cache.ValidateName(w.PrecacheName()); err != nil {
		return newFieldError(workerField("CacheVersion"), "仅允许字母、数字、点、下划线与连字符")
	}
	if err := cache.ValidateName(w.RuntimeCache); err != nil {
		return newFieldError(workerField("RuntimeCache"), "仅允许字母、数字、点、下划线与连字符")
	}
	if w.RuntimeCache == w.PrecacheName() {
		return newFieldError(workerField("RuntimeCache"), "不能与预缓存同名")
	}

	seen := make(map[string]struct{}, len(w.PrecacheURLs))
	for _, raw := range w.PrecacheURLs {
		if err := validateRootRelative(raw); err != nil {
			return fmt.Errorf("%s: %w", workerField("PrecacheURLs"), err)
		}
		if _, dup := seen[raw]; dup {
			return newFieldError(workerField("PrecacheURLs"), "重复地址: "+raw)
		}
		seen[raw] = struct{}{}
	}
	for _, required := range requiredPrecacheURLs {
		if _, ok := seen[required]; !ok {
			return newFieldError(workerField("PrecacheURLs"), "必须包含 "+required)
		}
	}
	if _, ok := seen[w.OfflineFallback]; !ok {
		return newFieldError(workerField("OfflineFallback"), "必须是预缓存清单中的地址")
	}

	if w.InstallConcurrency < 1 {
		return newFieldError(workerField("InstallConcurrency"), "必须大于 0")
	}
	if w.RuntimeMaxAge.DurationValue() < 0 {
		return newFieldError(workerField("RuntimeMaxAge"), "不能为负数")
	}
	if w.ClientTTL.DurationValue() <= 0 {
		return newFieldError(workerField("ClientTTL"), "必须大于 0")
	}
	return nil
}

func validateRootRelative(raw string) error {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return fmt.Errorf("必须是以 / 开头的站内路径: %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Host != "" || parsed.Scheme != "" || parsed.Fragment != "" {
		return fmt.Errorf("不允许包含协议、主机或片段: %q", raw)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
