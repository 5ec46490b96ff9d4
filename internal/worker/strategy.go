package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finemagazi/shellcache/internal/cache"
)

// Source 标识响应的实际来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceRuntime  Source = "runtime"
	SourcePrecache Source = "precache"
	SourceFallback Source = "fallback"
)

// Strategy 是按分类选择的缓存策略。
type Strategy string

const (
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyCacheThenNetwork     Strategy = "cache-then-network"
)

// StrategyFor 返回分类对应的策略。
func StrategyFor(class Class) Strategy {
	switch class {
	case ClassNavigation:
		return StrategyNetworkFirst
	case ClassStatic:
		return StrategyStaleWhileRevalidate
	default:
		return StrategyCacheThenNetwork
	}
}

// Result 是一次被拦截请求的处理结果。
type Result struct {
	Response *cache.Response
	Source   Source
	Strategy Strategy
	Class    Class
	Version  string
}

// CacheHit 表示响应来自本地缓存。
func (r *Result) CacheHit() bool {
	return r != nil && r.Source != SourceNetwork
}

// Fetch 处理一个请求。非 GET、跨域或尚无 active 版本时返回 ErrNotIntercepted，调用方应原样转发。
func (m *Manager) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.URL == nil || !isGet(req.Method) || !sameOrigin(req.URL, m.opts.Origin) {
		return nil, ErrNotIntercepted
	}
	m.mu.RLock()
	gen := m.active
	var version, precache string
	if gen != nil {
		version, precache = gen.Version, gen.CacheName
	}
	m.mu.RUnlock()
	if gen == nil {
		return nil, ErrNotIntercepted
	}

	class := Classify(req)
	result := &Result{Class: class, Strategy: StrategyFor(class), Version: version}
	var err error
	switch class {
	case ClassNavigation:
		err = m.networkFirst(ctx, precache, req, result)
	case ClassStatic:
		err = m.staleWhileRevalidate(ctx, precache, req, result)
	default:
		err = m.cacheThenNetwork(ctx, precache, req, result)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// networkFirst：网络优先，成功的 2xx 响应写入运行时缓存；网络失败时依次回退到
// 该请求的运行时副本与预缓存的离线页。
func (m *Manager) networkFirst(ctx context.Context, precache string, req Request, result *Result) error {
	key := req.Key()
	resp, netErr := m.network.Fetch(ctx, req)
	if netErr == nil {
		if resp.OK() {
			m.putRuntime(ctx, key, resp)
		}
		result.Response, result.Source = resp, SourceNetwork
		return nil
	}

	if cached := m.matchRuntime(ctx, key); cached != nil {
		result.Response, result.Source = cached, SourceRuntime
		return nil
	}
	// 网络请求期间可能已激活新版本，旧预缓存此时已被清理。
	if fallback := m.matchPrecache(ctx, m.currentPrecache(precache), m.offlineFallbackKey()); fallback != nil {
		result.Response, result.Source = fallback, SourceFallback
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrNoResponse, key, netErr)
}

// staleWhileRevalidate：有缓存立即返回缓存，同时总是在后台刷新；无缓存则等待网络结果。
func (m *Manager) staleWhileRevalidate(ctx context.Context, precache string, req Request, result *Result) error {
	key := req.Key()
	cached, source := m.matchRuntime(ctx, key), SourceRuntime
	if cached == nil {
		cached, source = m.matchPrecache(ctx, precache, key), SourcePrecache
	}

	done := m.revalidate(ctx, req)
	if cached != nil {
		result.Response, result.Source = cached, source
		return nil
	}

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNoResponse, key, outcome.err)
		}
		result.Response, result.Source = outcome.resp, SourceNetwork
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cacheThenNetwork：先查运行时缓存与预缓存，未命中再访问网络；结果不写入任何缓存。
func (m *Manager) cacheThenNetwork(ctx context.Context, precache string, req Request, result *Result) error {
	key := req.Key()
	if cached := m.matchRuntime(ctx, key); cached != nil {
		result.Response, result.Source = cached, SourceRuntime
		return nil
	}
	if cached := m.matchPrecache(ctx, precache, key); cached != nil {
		result.Response, result.Source = cached, SourcePrecache
		return nil
	}
	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoResponse, key, err)
	}
	result.Response, result.Source = resp, SourceNetwork
	return nil
}

type fetchOutcome struct {
	resp *cache.Response
	err  error
}

// revalidate 在后台刷新 key，同一 key 的并发刷新只发出一次网络请求。
// 刷新脱离请求的取消信号运行，由 Wait 统一等待。
func (m *Manager) revalidate(ctx context.Context, req Request) <-chan fetchOutcome {
	out := make(chan fetchOutcome, 1)
	key := req.Key()
	background := context.WithoutCancel(ctx)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		value, err, _ := m.refresh.Do(key, func() (interface{}, error) {
			resp, err := m.network.Fetch(background, req)
			if err != nil {
				m.log.WithField("key", key).WithError(err).Debug("background refresh failed")
				return nil, err
			}
			if resp.OK() {
				m.putRuntime(background, key, resp)
			}
			return resp, nil
		})
		resp, _ := value.(*cache.Response)
		out <- fetchOutcome{resp: resp.Clone(), err: err}
	}()
	return out
}

func (m *Manager) offlineFallbackKey() string {
	req, err := m.precacheRequest(m.opts.OfflineFallback)
	if err != nil {
		return m.opts.OfflineFallback
	}
	return req.Key()
}

// putRuntime 写入运行时缓存；写入失败只记录日志，不影响已返回的响应。
func (m *Manager) putRuntime(ctx context.Context, key string, resp *cache.Response) {
	if !resp.OK() {
		return
	}
	store, err := m.storage.Open(ctx, m.opts.RuntimeCache)
	if err != nil {
		m.log.WithField("cache_name", m.opts.RuntimeCache).WithError(err).Warn("open runtime cache failed")
		return
	}
	entry := resp.Clone()
	entry.StoredAt = time.Now().UTC()
	if err := store.Put(ctx, key, entry); err != nil {
		m.log.WithField("cache_name", m.opts.RuntimeCache).WithField("key", key).WithError(err).Warn("cache write failed")
	}
}

// matchRuntime 查询运行时缓存；过期条目视为未命中并被顺带删除。
func (m *Manager) matchRuntime(ctx context.Context, key string) *cache.Response {
	resp := m.match(ctx, m.opts.RuntimeCache, key)
	if resp == nil || !m.expiry.Expired(resp) {
		return resp
	}
	if store, err := m.storage.Lookup(ctx, m.opts.RuntimeCache); err == nil {
		if _, err := store.Delete(ctx, key); err != nil {
			m.log.WithField("key", key).WithError(err).Debug("delete expired entry failed")
		}
	}
	return nil
}

// currentPrecache 返回当前 active 版本的预缓存名称，没有 active 版本时沿用 fallback。
func (m *Manager) currentPrecache(fallback string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != nil {
		return m.active.CacheName
	}
	return fallback
}

func (m *Manager) matchPrecache(ctx context.Context, name, key string) *cache.Response {
	if name == "" {
		return nil
	}
	return m.match(ctx, name, key)
}

func (m *Manager) match(ctx context.Context, name, key string) *cache.Response {
	store, err := m.storage.Lookup(ctx, name)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.log.WithField("cache_name", name).WithError(err).Warn("open cache failed")
		}
		return nil
	}
	resp, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.log.WithField("cache_name", name).WithField("key", key).WithError(err).Warn("cache read failed")
		}
		return nil
	}
	return resp
}
