package worker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/finemagazi/shellcache/internal/logging"
)

// Reconciler 持续把目标版本安装为 active。安装失败按指数退避重试，
// 更新目标或重复提交同一目标都会立即唤醒一次重试。
type Reconciler struct {
	manager *Manager
	log     *logrus.Entry
	backoff *backoff.ExponentialBackOff

	mu                sync.Mutex
	version           string
	manifest          []string
	installedVersion  string
	installedManifest []string
	wake              chan struct{}
}

// NewReconciler 构建重试器；initial/max <= 0 时使用 backoff 的默认间隔。
func NewReconciler(manager *Manager, initial, max time.Duration) *Reconciler {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if max > 0 {
		b.MaxInterval = max
	}
	b.Reset()
	return &Reconciler{
		manager: manager,
		log:     manager.log.WithField("component", "reconciler"),
		backoff: b,
		wake:    make(chan struct{}, 1),
	}
}

// SetTarget 设置期望的版本与清单，返回目标是否发生变化。
func (r *Reconciler) SetTarget(version string, manifest []string) bool {
	r.mu.Lock()
	changed := r.version != version || !slices.Equal(r.manifest, manifest)
	r.version = version
	r.manifest = slices.Clone(manifest)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return changed
}

// Done 表示当前目标已成功安装。
func (r *Reconciler) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneLocked()
}

func (r *Reconciler) doneLocked() bool {
	return r.version != "" && r.installedVersion == r.version && slices.Equal(r.installedManifest, r.manifest)
}

// Reconcile 尝试安装一次当前目标；目标已安装时直接返回。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	if r.version == "" || r.doneLocked() {
		r.mu.Unlock()
		return nil
	}
	version, manifest := r.version, slices.Clone(r.manifest)
	r.mu.Unlock()

	if _, err := r.manager.Start(ctx, version, manifest); err != nil {
		return err
	}

	r.mu.Lock()
	r.installedVersion = version
	r.installedManifest = manifest
	r.mu.Unlock()
	return nil
}

// Run 阻塞直到 ctx 结束：目标未安装时按退避间隔重试，否则等待新的目标。
func (r *Reconciler) Run(ctx context.Context) {
	for {
		delay := time.Duration(-1)
		if !r.Done() {
			delay = r.backoff.NextBackOff()
			if delay == backoff.Stop {
				delay = r.backoff.MaxInterval
			}
		}
		if !r.wait(ctx, delay) {
			return
		}

		r.mu.Lock()
		version := r.version
		r.mu.Unlock()

		if err := r.Reconcile(ctx); err != nil {
			r.log.WithFields(logging.GenerationFields("install_retry", version, r.manager.opts.precacheName(version))).
				WithError(err).
				Warn("precache install retry failed")
			continue
		}
		r.backoff.Reset()
	}
}

// wait 等待 delay、唤醒信号或 ctx 结束；delay < 0 表示只等唤醒。
func (r *Reconciler) wait(ctx context.Context, delay time.Duration) bool {
	if delay < 0 {
		select {
		case <-ctx.Done():
			return false
		case <-r.wake:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
		return true
	case <-timer.C:
		return true
	}
}
