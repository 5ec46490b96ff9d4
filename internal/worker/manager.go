package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/finemagazi/shellcache/internal/cache"
	"github.com/finemagazi/shellcache/internal/config"
	"github.com/finemagazi/shellcache/internal/logging"
)

// Options 是 Manager 的运行参数，通常由配置文件的 [Site] 与 [Worker] 段生成。
type Options struct {
	Origin             *url.URL
	PrecachePrefix     string
	RuntimeCache       string
	OfflineFallback    string
	SkipWaiting        bool
	RuntimeMaxAge      time.Duration
	InstallConcurrency int
	ClientTTL          time.Duration
}

// NewOptions 从已校验的配置构造 Options。
func NewOptions(site config.SiteConfig, w config.WorkerConfig) (Options, error) {
	origin, err := url.Parse(strings.TrimSpace(site.Origin))
	if err != nil {
		return Options{}, fmt.Errorf("parse origin: %w", err)
	}
	return Options{
		Origin:             origin,
		PrecachePrefix:     w.PrecachePrefix,
		RuntimeCache:       w.RuntimeCache,
		OfflineFallback:    w.OfflineFallback,
		SkipWaiting:        w.SkipWaiting,
		RuntimeMaxAge:      w.RuntimeMaxAge.DurationValue(),
		InstallConcurrency: w.InstallConcurrency,
		ClientTTL:          w.ClientTTL.DurationValue(),
	}, nil
}

func (o Options) precacheName(version string) string {
	return o.PrecachePrefix + "-" + version
}

// Manager 是离线缓存管理器：维护各版本的生命周期并按请求分类选择缓存策略。
type Manager struct {
	storage cache.Storage
	network Fetcher
	opts    Options
	expiry  cache.ExpiryPolicy
	clients *Clients
	log     *logrus.Entry

	// lifecycle 串行化安装完成、激活与控制消息。
	lifecycle sync.Mutex

	mu         sync.RWMutex
	seq        int64
	installing *Generation
	waiting    *Generation
	active     *Generation

	refresh singleflight.Group
	pending sync.WaitGroup
}

// NewManager 构建 Manager。storage 与 network 必须非空，Origin 必须包含 scheme 与 host。
func NewManager(storage cache.Storage, network Fetcher, logger *logrus.Logger, opts Options) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if network == nil {
		return nil, errors.New("worker: network fetcher is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker: origin must include scheme and host")
	}
	if opts.PrecachePrefix == "" {
		opts.PrecachePrefix = "precache"
	}
	if opts.RuntimeCache == "" {
		opts.RuntimeCache = "runtime"
	}
	if err := cache.ValidateName(opts.RuntimeCache); err != nil {
		return nil, fmt.Errorf("worker: runtime cache: %w", err)
	}
	if opts.OfflineFallback == "" {
		opts.OfflineFallback = "/index.html"
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		storage: storage,
		network: network,
		opts:    opts,
		expiry:  cache.NewExpiryPolicy(opts.RuntimeMaxAge),
		clients: NewClients(opts.ClientTTL),
		log:     logging.Component(logger, "worker"),
	}, nil
}

// Clients 返回页面注册表。
func (m *Manager) Clients() *Clients {
	return m.clients
}

// TouchClient 登记一次页面加载，控制者取当前 active 版本。
// 读取 active 与登记在同一把读锁内完成，激活切换只能发生在其之前或之后，之后的 Claim 会补上刷新标记。
func (m *Manager) TouchClient(id string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	version := ""
	if m.active != nil {
		version = m.active.Version
	}
	return m.clients.Touch(id, version)
}

// ActiveVersion 返回当前激活的版本，尚未激活时为空串。
func (m *Manager) ActiveVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.Version
}

// Snapshot 返回各阶段 generation 的快照。
func (m *Manager) Snapshot() Status {
	m.mu.RLock()
	status := Status{RuntimeCache: m.opts.RuntimeCache}
	if m.active != nil {
		info := m.active.info()
		status.Active = &info
	}
	if m.waiting != nil {
		info := m.waiting.info()
		status.Waiting = &info
	}
	if m.installing != nil {
		info := m.installing.info()
		status.Installing = &info
	}
	m.mu.RUnlock()
	status.Clients = m.clients.Len()
	return status
}

// Start 在进程启动时调用：若该版本的预缓存已完整存在则直接恢复为 active，否则走完整安装流程。
func (m *Manager) Start(ctx context.Context, version string, manifest []string) (GenerationInfo, error) {
	if info, ok := m.restore(ctx, version, manifest); ok {
		return info, nil
	}
	return m.Register(ctx, version, manifest)
}

// Register 安装一个新版本：并发拉取清单中的全部 URL，全部 2xx 后才写入预缓存。
// 任一失败则该版本作废并返回 ErrInstallFailed，之前的 active 版本继续服务。
func (m *Manager) Register(ctx context.Context, version string, manifest []string) (GenerationInfo, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return GenerationInfo{}, fmt.Errorf("%w: empty version", ErrInstallFailed)
	}
	name := m.opts.precacheName(version)
	if err := cache.ValidateName(name); err != nil {
		return GenerationInfo{}, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	m.mu.Lock()
	for _, existing := range []*Generation{m.active, m.waiting} {
		if existing.sameAs(version, manifest) {
			info := existing.info()
			m.mu.Unlock()
			return info, nil
		}
	}
	m.seq++
	gen := &Generation{
		Seq:       m.seq,
		Version:   version,
		Manifest:  append([]string(nil), manifest...),
		CacheName: name,
		State:     StateInstalling,
	}
	m.installing = gen
	m.mu.Unlock()

	m.log.WithFields(logging.GenerationFields("install", version, name)).
		WithField("urls", len(manifest)).
		Info("precache install started")

	installErr := m.install(ctx, gen)

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.installing == gen {
		m.installing = nil
	}
	if installErr != nil {
		gen.State = StateRedundant
		info := gen.info()
		m.mu.Unlock()
		m.log.WithFields(logging.GenerationFields("install", version, name)).
			WithError(installErr).
			Error("precache install failed")
		return info, fmt.Errorf("%w: %v", ErrInstallFailed, installErr)
	}
	if m.waiting != nil && m.waiting != gen {
		m.waiting.State = StateRedundant
	}
	gen.State = StateWaiting
	gen.InstalledAt = time.Now().UTC()
	m.waiting = gen
	activateNow := m.opts.SkipWaiting || m.active == nil
	m.mu.Unlock()

	m.log.WithFields(logging.GenerationFields("install", version, name)).Info("precache install completed")

	if activateNow {
		m.activateLocked(ctx, gen)
	}

	m.mu.RLock()
	info := gen.info()
	m.mu.RUnlock()
	return info, nil
}

// install 并发获取清单（受 InstallConcurrency 限制），全部成功后统一写入。
func (m *Manager) install(ctx context.Context, gen *Generation) error {
	existed, err := m.storage.Has(ctx, gen.CacheName)
	if err != nil {
		return fmt.Errorf("check precache %s: %w", gen.CacheName, err)
	}
	store, err := m.storage.Open(ctx, gen.CacheName)
	if err != nil {
		return fmt.Errorf("open precache %s: %w", gen.CacheName, err)
	}

	requests := make([]Request, len(gen.Manifest))
	for i, raw := range gen.Manifest {
		req, err := m.precacheRequest(raw)
		if err != nil {
			m.discardPrecache(ctx, gen.CacheName, existed)
			return err
		}
		requests[i] = req
	}

	responses := make([]*cache.Response, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.opts.InstallConcurrency)
	for i, req := range requests {
		group.Go(func() error {
			resp, err := m.network.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.Key(), err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", req.Key(), resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		m.discardPrecache(ctx, gen.CacheName, existed)
		return err
	}

	now := time.Now().UTC()
	for i, req := range requests {
		entry := responses[i].Clone()
		entry.StoredAt = now
		if err := store.Put(ctx, req.Key(), entry); err != nil {
			m.discardPrecache(ctx, gen.CacheName, existed)
			return fmt.Errorf("store %s: %w", req.Key(), err)
		}
	}
	return nil
}

// discardPrecache 删除本次安装新建的存储；已被其他版本使用的存储保持不动。
func (m *Manager) discardPrecache(ctx context.Context, name string, existed bool) {
	if existed || m.referenced(name) {
		return
	}
	if _, err := m.storage.Delete(context.WithoutCancel(ctx), name); err != nil {
		m.log.WithField("cache_name", name).WithError(err).Warn("discard precache failed")
	}
}

func (m *Manager) referenced(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, gen := range []*Generation{m.active, m.waiting} {
		if gen != nil && gen.CacheName == name {
			return true
		}
	}
	return false
}

func (m *Manager) precacheRequest(raw string) (Request, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Request{}, fmt.Errorf("parse manifest url %q: %w", raw, err)
	}
	target := m.opts.Origin.ResolveReference(ref)
	if !sameOrigin(target, m.opts.Origin) {
		return Request{}, fmt.Errorf("manifest url %q is not same-origin", raw)
	}
	return Request{Method: http.MethodGet, URL: target}, nil
}

// SkipWaiting 立即激活 waiting 版本；没有 waiting 版本时返回 false。
func (m *Manager) SkipWaiting(ctx context.Context) bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	gen := m.waiting
	m.mu.RUnlock()
	if gen == nil {
		return false
	}
	m.activateLocked(ctx, gen)
	return true
}

// activateLocked 需要持有 lifecycle 锁：切换 active、清理旧缓存，再接管所有页面。
func (m *Manager) activateLocked(ctx context.Context, gen *Generation) {
	m.mu.Lock()
	if m.waiting != gen {
		m.mu.Unlock()
		return
	}
	previous := m.active
	if previous != nil {
		previous.State = StateRedundant
	}
	gen.State = StateActive
	gen.ActivatedAt = time.Now().UTC()
	m.active = gen
	m.waiting = nil
	m.mu.Unlock()

	deleted := m.cleanup(ctx, gen)
	claimed := m.clients.Claim(gen.Version)

	fields := logging.GenerationFields("activate", gen.Version, gen.CacheName)
	entry := m.log.WithFields(fields).
		WithField("deleted_caches", deleted).
		WithField("claimed_clients", claimed)
	if previous != nil {
		entry = entry.WithField("previous_version", previous.Version)
	}
	entry.Info("generation activated")
}

// cleanup 删除除当前预缓存与运行时缓存以外的全部存储，失败只记录日志。
func (m *Manager) cleanup(ctx context.Context, gen *Generation) []string {
	ctx = context.WithoutCancel(ctx)
	names, err := m.storage.Keys(ctx)
	if err != nil {
		m.log.WithError(err).Warn("list caches failed")
		return nil
	}
	keep := map[string]struct{}{
		gen.CacheName:       {},
		m.opts.RuntimeCache: {},
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			m.log.WithField("cache_name", name).WithError(err).Warn("delete cache failed")
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted
}

// restore 在预缓存已完整存在时直接恢复 active 版本。
func (m *Manager) restore(ctx context.Context, version string, manifest []string) (GenerationInfo, bool) {
	name := m.opts.precacheName(version)
	if cache.ValidateName(name) != nil {
		return GenerationInfo{}, false
	}
	store, err := m.storage.Lookup(ctx, name)
	if err != nil {
		return GenerationInfo{}, false
	}
	for _, raw := range manifest {
		req, err := m.precacheRequest(raw)
		if err != nil {
			return GenerationInfo{}, false
		}
		if _, err := store.Match(ctx, req.Key()); err != nil {
			return GenerationInfo{}, false
		}
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return GenerationInfo{}, false
	}
	m.seq++
	gen := &Generation{
		Seq:       m.seq,
		Version:   version,
		Manifest:  append([]string(nil), manifest...),
		CacheName: name,
		State:     StateWaiting,
	}
	if m.waiting != nil {
		m.waiting.State = StateRedundant
	}
	m.waiting = gen
	m.mu.Unlock()

	m.log.WithFields(logging.GenerationFields("restore", version, name)).Info("precache restored from storage")
	m.activateLocked(ctx, gen)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return gen.info(), true
}

// Message 是页面发给缓存管理器的控制消息。
type Message struct {
	Type string `json:"type"`
}

// MessageSkipWaiting 让 waiting 版本立即激活。
const MessageSkipWaiting = "SKIP_WAITING"

// PostMessage 处理控制消息，目前只支持 SKIP_WAITING。
func (m *Manager) PostMessage(ctx context.Context, msg Message) error {
	switch strings.TrimSpace(msg.Type) {
	case MessageSkipWaiting:
		activated := m.SkipWaiting(ctx)
		m.log.WithField("message", msg.Type).WithField("activated", activated).Debug("control message handled")
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Wait 阻塞直到所有后台刷新完成。
func (m *Manager) Wait() {
	m.pending.Wait()
}
