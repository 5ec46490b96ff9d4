package worker

import (
	"context"
	"errors"

	"github.com/finemagazi/shellcache/internal/cache"
)

// Fetcher 代表“网络”：对源站发起一次请求。传输层失败必须返回包装了 ErrNetwork 的错误；
// 非 2xx 状态不是错误，按原样返回响应。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher 接口。
type FetcherFunc func(ctx context.Context, req Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	return f(ctx, req)
}

var (
	// ErrNetwork 表示网络请求失败（连接错误、超时、重定向过多等）。
	ErrNetwork = errors.New("network request failed")
	// ErrNotIntercepted 表示该请求不由缓存管理器处理，应原样转发。
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrInstallFailed 表示预缓存安装失败，该版本不会被激活。
	ErrInstallFailed = errors.New("precache install failed")
	// ErrUnknownMessage 表示不支持的控制消息。
	ErrUnknownMessage = errors.New("unknown control message")
	// ErrNoResponse 表示网络失败且没有任何可用缓存。
	ErrNoResponse = errors.New("no response available")
)
