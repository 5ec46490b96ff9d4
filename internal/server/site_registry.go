package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/finemagazi/shellcache/internal/config"
)

// SiteRoute 是一次请求的路由结果：同源请求指向源站，跨域请求指向请求中的 Host。
type SiteRoute struct {
	// Host 是规范化后的请求 Host（小写，去掉尾随点，保留端口）。
	Host string
	// SameOrigin 为 true 时请求交给缓存管理器处理。
	SameOrigin bool
	// Base 是目标的 scheme://host 部分。
	Base *url.URL
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// Resolve 把 path?query 拼接到目标地址上，得到完整的请求 URL。
func (r *SiteRoute) Resolve(requestURI string) (*url.URL, error) {
	if r == nil || r.Base == nil {
		return nil, errors.New("route has no target")
	}
	ref, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", requestURI, err)
	}
	target := *r.Base
	target.Path = ref.Path
	target.RawPath = ref.RawPath
	target.RawQuery = ref.RawQuery
	target.Fragment = ""
	return &target, nil
}

// SiteRegistry 根据 Host/Host:port 判断请求是否同源，所有请求共享同一个监听端口。
type SiteRegistry struct {
	origin           *url.URL
	hosts            map[string]struct{}
	ordered          []string
	allowPassthrough bool
	listenPort       int
}

// NewSiteRegistry 根据配置构建同源 Host 集合。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Site.Origin))
	if err != nil {
		return nil, fmt.Errorf("invalid site origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("site origin must include scheme and host: %s", cfg.Site.Origin)
	}
	origin = &url.URL{Scheme: origin.Scheme, Host: origin.Host}

	registry := &SiteRegistry{
		origin:           origin,
		hosts:            make(map[string]struct{}, len(cfg.Site.SiteHosts)),
		allowPassthrough: cfg.Site.AllowPassthrough,
		listenPort:       cfg.Global.ListenPort,
	}
	for _, raw := range cfg.Site.SiteHosts {
		host := normalizeDomain(raw)
		if host == "" {
			return nil, fmt.Errorf("invalid site host %q", raw)
		}
		if _, exists := registry.hosts[host]; exists {
			return nil, fmt.Errorf("duplicate site host detected for %s", host)
		}
		registry.hosts[host] = struct{}{}
		registry.ordered = append(registry.ordered, host)
	}
	return registry, nil
}

// Lookup 根据 Host 或 Host:port 返回路由。跨域请求在未开启透传时返回 false，
// 开启时沿用入站请求的 scheme（空值或未知值按 http 处理）。
func (r *SiteRegistry) Lookup(host, scheme string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	normalized := normalizeDomain(host)
	if normalized == "" {
		return nil, false
	}

	if r.isSiteHost(normalized) {
		return &SiteRoute{
			Host:       normalized,
			SameOrigin: true,
			Base:       r.origin,
			ListenPort: r.listenPort,
		}, true
	}
	if !r.allowPassthrough {
		return nil, false
	}
	return &SiteRoute{
		Host:       normalized,
		SameOrigin: false,
		Base:       &url.URL{Scheme: passthroughScheme(scheme), Host: normalized},
		ListenPort: r.listenPort,
	}, true
}

func passthroughScheme(scheme string) string {
	if strings.EqualFold(strings.TrimSpace(scheme), "https") {
		return "https"
	}
	return "http"
}

// isSiteHost 未配置 SiteHosts 时所有 Host 都视为站点本身。
func (r *SiteRegistry) isSiteHost(host string) bool {
	if len(r.hosts) == 0 {
		return true
	}
	if _, ok := r.hosts[host]; ok {
		return true
	}
	bare, port := normalizeHost(host)
	if port == 0 || port == r.listenPort {
		_, ok := r.hosts[bare]
		return ok
	}
	return false
}

// Origin 返回站点源地址的副本。
func (r *SiteRegistry) Origin() *url.URL {
	if r == nil || r.origin == nil {
		return nil
	}
	clone := *r.origin
	return &clone
}

// Hosts 返回配置的同源 Host 列表（按配置顺序）。
func (r *SiteRegistry) Hosts() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.ordered...)
}

// normalizeDomain 返回小写、去尾随点的 host，端口（若有）保留。
func normalizeDomain(domain string) string {
	host, port := normalizeHost(domain)
	if host == "" {
		return ""
	}
	if port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
