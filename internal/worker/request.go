package worker

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Request 是被拦截请求的最小描述。Mode/Destination 对应浏览器的
// Sec-Fetch-Mode 与 Sec-Fetch-Dest 请求头。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        string
	Destination string
	Header      http.Header
}

// Key 返回缓存 key：路径 + 查询串。被拦截的请求都是同源请求，origin 隐含其中。
func (r Request) Key() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.RequestURI()
}

// Class 是请求分类，每个请求恰好属于其中一类。
type Class string

const (
	ClassNavigation Class = "navigation"
	ClassStatic     Class = "static"
	ClassOther      Class = "other"
)

var staticDestinations = map[string]struct{}{
	"style":  {},
	"script": {},
	"image":  {},
	"font":   {},
}

var staticExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".mjs": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".avif": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
}

// Classify 只根据请求本身（方法、mode、destination、Accept、路径扩展名）分类，从不读取响应。
// 未声明 destination 的客户端（curl、旧浏览器）退回到按扩展名判断静态资源。
func Classify(req Request) Class {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	dest := strings.ToLower(strings.TrimSpace(req.Destination))

	if mode == "navigate" || dest == "document" {
		return ClassNavigation
	}
	if _, ok := staticDestinations[dest]; ok {
		return ClassStatic
	}
	if isGet(req.Method) && acceptsHTML(req.Header) {
		return ClassNavigation
	}
	if dest == "" && req.URL != nil {
		if _, ok := staticExtensions[strings.ToLower(path.Ext(req.URL.Path))]; ok {
			return ClassStatic
		}
	}
	return ClassOther
}

func acceptsHTML(header http.Header) bool {
	if header == nil {
		return false
	}
	return strings.Contains(strings.ToLower(header.Get("Accept")), "text/html")
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

// sameOrigin 比较 scheme 与 host（忽略默认端口）。
func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return canonicalHost(a) == canonicalHost(b)
}

func canonicalHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
	case port == "80" && strings.EqualFold(u.Scheme, "http"):
	case port == "443" && strings.EqualFold(u.Scheme, "https"):
	default:
		host += ":" + port
	}
	return host
}
