package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/finemagazi/shellcache/internal/cache"
	"github.com/finemagazi/shellcache/internal/server"
	"github.com/finemagazi/shellcache/internal/worker"
)

// defaultMaxBodyBytes 限制单个源站响应读入内存的大小。
const defaultMaxBodyBytes int64 = 32 << 20

// forwardedRequestHeaders 是从页面请求带到源站的请求头；Cookie 不转发，运行时缓存在客户端之间共享。
var forwardedRequestHeaders = []string{"Accept", "Accept-Language", "User-Agent"}

// OriginFetcher 通过共享 http.Client 访问源站，实现 worker.Fetcher。
type OriginFetcher struct {
	client  *http.Client
	maxBody int64
}

// NewOriginFetcher 使用给定 client 构造 fetcher。
func NewOriginFetcher(client *http.Client) *OriginFetcher {
	if client == nil {
		client = server.NewOriginClient(nil)
	}
	return &OriginFetcher{client: client, maxBody: defaultMaxBodyBytes}
}

// Fetch 发起 GET 请求并完整读取响应体。非 2xx 原样返回，连接/读取失败包装为 worker.ErrNetwork。
func (f *OriginFetcher) Fetch(ctx context.Context, req worker.Request) (*cache.Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("%w: missing url", worker.ErrNetwork)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrNetwork, err)
	}
	for _, key := range forwardedRequestHeaders {
		if value := req.Header.Get(key); value != "" {
			httpReq.Header.Set(key, value)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", worker.ErrNetwork, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w: response body exceeds %d bytes", worker.ErrNetwork, f.maxBody)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	header.Del("Set-Cookie")
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}
