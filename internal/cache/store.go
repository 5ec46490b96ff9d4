package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Storage 管理全部具名缓存，语义对齐浏览器的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时自动创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Lookup 返回已存在的缓存，不存在时返回 ErrNotFound；只读查询不会创建缓存。
	Lookup(ctx context.Context, name string) (Cache, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前所有缓存名称（按名称排序）。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个具名缓存：请求 key → Response。并发写同一 key 时以最后一次写入为准。
type Cache interface {
	Name() string

	// Match 返回 key 对应的响应副本，未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入（覆盖）key 对应的响应。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回缓存内全部 key（排序后）。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存中保存的完整响应。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 对应 fetch Response.ok：仅 2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

// Clone 深拷贝响应，调用方可以安全修改 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
}

var (
	// ErrNotFound 表示缓存或条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名称包含非法字符。
	ErrInvalidName = errors.New("invalid cache name")
)

var cacheNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName 校验缓存名称；名称会直接成为目录名或 bucket 名。
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || !cacheNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// NewStorage 根据驱动名称构建存储后端：fs（默认）或 bolt。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewFileStorage(basePath)
	case "bolt":
		return NewBoltStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
