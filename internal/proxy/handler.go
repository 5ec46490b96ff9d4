package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/finemagazi/shellcache/internal/logging"
	"github.com/finemagazi/shellcache/internal/server"
	"github.com/finemagazi/shellcache/internal/worker"
)

// Handler 把同源请求交给离线缓存管理器，管理器不拦截的请求（非 GET、跨域、尚未激活）
// 原样转发到目标地址。对外暴露 Fiber handler，内部复用共享 http.Client。
type Handler struct {
	manager *worker.Manager
	client  *http.Client
	logger  *logrus.Logger
	// clientCookieTTL 控制页面 cookie 的有效期，与客户端注册表的空闲淘汰一致。
	clientCookieTTL time.Duration
}

// NewHandler constructs a proxy handler with the shared manager/client/logger.
func NewHandler(manager *worker.Manager, client *http.Client, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	if client == nil {
		client = server.NewOriginClient(nil)
	}
	return &Handler{
		manager: manager,
		client:  client,
		logger:  logger,
	}
}

// WithClientCookieTTL 设置页面 cookie 的 Max-Age，<=0 表示会话 cookie。
func (h *Handler) WithClientCookieTTL(ttl time.Duration) *Handler {
	h.clientCookieTTL = ttl
	return h
}

// Handle 实现 server.ProxyHandler：拦截 → 按策略响应；未拦截 → 透传；全部失败 → 502。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	target, err := route.Resolve(string(c.Request().URI().RequestURI()))
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "resolve",
			"host":       route.Host,
			"request_id": requestID,
		}).WithError(err).Warn("invalid request uri")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if !route.SameOrigin || h.manager == nil {
		return h.forward(c, route, target, requestID, started)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.manager.Fetch(ctx, buildWorkerRequest(c, target))
	switch {
	case errors.Is(err, worker.ErrNotIntercepted):
		return h.forward(c, route, target, requestID, started)
	case err != nil:
		h.logFailure(c, target, requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_unavailable")
	}

	if result.Class == worker.ClassNavigation {
		h.touchClient(c)
	}
	return h.serveResult(c, target, result, requestID, started)
}

func (h *Handler) serveResult(c fiber.Ctx, target *url.URL, result *worker.Result, requestID string, started time.Time) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Shellcache-Source", string(result.Source))
	c.Set("X-Shellcache-Strategy", string(result.Strategy))
	c.Set("X-Shellcache-Version", result.Version)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	h.logResult(target, result, requestID, started)
	return c.Send(resp.Body)
}

// forward 把请求原样交给目标（同源时为源站，跨域时为请求中的 Host），不读写任何缓存。
func (h *Handler) forward(c fiber.Ctx, route *server.SiteRoute, target *url.URL, requestID string, started time.Time) error {
	req, err := h.buildForwardRequest(c, route, target)
	if err != nil {
		h.logForward(route, target, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_unavailable")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logForward(route, target, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_unavailable")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logForward(route, target, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logForward(route, target, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildForwardRequest(c fiber.Ctx, route *server.SiteRoute, target *url.URL) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

// touchClient 为导航请求分配或刷新页面 cookie，并登记当前控制者。
func (h *Handler) touchClient(c fiber.Ctx) {
	id := strings.TrimSpace(c.Cookies(server.ClientCookieName))
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	h.manager.TouchClient(id)

	cookie := &fiber.Cookie{
		Name:     server.ClientCookieName,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
	if h.clientCookieTTL > 0 {
		cookie.MaxAge = int(h.clientCookieTTL / time.Second)
	}
	c.Cookie(cookie)
}

func buildWorkerRequest(c fiber.Ctx, target *url.URL) worker.Request {
	header := fiberHeadersAsHTTP(c)
	return worker.Request{
		Method:      c.Method(),
		URL:         target,
		Mode:        header.Get("Sec-Fetch-Mode"),
		Destination: header.Get("Sec-Fetch-Dest"),
		Header:      header,
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(target *url.URL, result *worker.Result, requestID string, started time.Time) {
	fields := logging.RequestFields(
		string(result.Strategy),
		string(result.Source),
		string(result.Class),
		result.CacheHit(),
	)
	fields["action"] = "fetch"
	fields["target"] = target.String()
	fields["status"] = result.Response.Status
	fields["version"] = result.Version
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func (h *Handler) logFailure(c fiber.Ctx, target *url.URL, requestID string, started time.Time, err error) {
	class := worker.Classify(buildWorkerRequest(c, target))
	fields := logging.RequestFields(string(worker.StrategyFor(class)), "", string(class), false)
	fields["action"] = "fetch"
	fields["target"] = target.String()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["error"] = err.Error()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error("fetch_failed")
}

func (h *Handler) logForward(route *server.SiteRoute, target *url.URL, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":          "passthrough",
		"host":            route.Host,
		"same_origin":     route.SameOrigin,
		"target":          target.String(),
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("passthrough_failed")
		return
	}
	h.logger.WithFields(fields).Info("passthrough_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制响应头；Content-Length 由 Fiber 根据实际 body 计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
