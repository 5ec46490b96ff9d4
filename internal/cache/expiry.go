package cache

import "time"

// ExpiryPolicy 决定运行时缓存条目是否过期；MaxAge<=0 表示永不过期。
type ExpiryPolicy struct {
	MaxAge time.Duration
	now    func() time.Time
}

// NewExpiryPolicy 构造过期策略，默认使用 time.Now 作为时钟。
func NewExpiryPolicy(maxAge time.Duration) ExpiryPolicy {
	return ExpiryPolicy{MaxAge: maxAge, now: time.Now}
}

// Enabled 返回是否启用按年龄淘汰。
func (p ExpiryPolicy) Enabled() bool {
	return p.MaxAge > 0
}

// Expired 判断响应是否已超过最大保存时长。StoredAt 缺失的条目视为未过期。
func (p ExpiryPolicy) Expired(resp *Response) bool {
	if !p.Enabled() || resp == nil || resp.StoredAt.IsZero() {
		return false
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return !now().Before(resp.StoredAt.Add(p.MaxAge))
}
