package worker

import (
	"sort"
	"sync"
	"time"
)

// Client 描述一个打开的页面（以 cookie 中的 client id 区分）。
type Client struct {
	ID            string    `json:"id"`
	Controller    string    `json:"controller"`
	ReloadPending bool      `json:"reload"`
	LastSeen      time.Time `json:"last_seen"`
}

// Clients 记录页面与控制它的缓存版本。激活新版本时 Claim 会切换所有页面的控制者，
// 并让每个页面恰好收到一次刷新提示。
type Clients struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]*Client
}

// NewClients 创建客户端注册表，ttl<=0 时不淘汰空闲客户端。
func NewClients(ttl time.Duration) *Clients {
	return &Clients{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]*Client),
	}
}

// Touch 记录一次页面加载：页面由 controller 控制，之前挂起的刷新提示随之失效。
func (c *Clients) Touch(id, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	item, ok := c.items[id]
	if !ok {
		item = &Client{ID: id}
		c.items[id] = item
	}
	item.Controller = controller
	item.ReloadPending = false
	item.LastSeen = now
	return *item
}

// Claim 让所有控制者不同的页面切换到 version，返回被切换的数量。
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	claimed := 0
	for _, item := range c.items {
		if item.Controller == version {
			continue
		}
		item.Controller = version
		item.ReloadPending = true
		claimed++
	}
	return claimed
}

// TakeReload 返回客户端当前状态并清除刷新标记；未知客户端返回 false。
func (c *Clients) TakeReload(id string) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	item, ok := c.items[id]
	if !ok {
		return Client{}, false
	}
	snapshot := *item
	item.ReloadPending = false
	item.LastSeen = now
	return snapshot, true
}

// List 按 ID 排序返回全部客户端。
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	out := make([]Client, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len 返回当前登记的客户端数量。
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.items)
}

func (c *Clients) pruneLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for id, item := range c.items {
		if now.Sub(item.LastSeen) > c.ttl {
			delete(c.items, id)
		}
	}
}
