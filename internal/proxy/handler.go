package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/account-book/ledger/internal/cache"
	"github.com/account-book/ledger/internal/logging"
	"github.com/account-book/ledger/internal/server"
	"github.com/account-book/ledger/internal/worker"
)

// 透传（worker 尚未接管）时日志中使用的 source 值。
const sourcePassthrough = "passthrough"

// Fetcher 是 Handler 依赖的拦截能力，*worker.Worker 即满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (worker.Outcome, error)
	Controlling() bool
	CacheName() string
}

// Handler 把 Fiber 请求转换为面向上游的 http.Request，交给 worker 做 cache-first 拦截，
// 再把结果写回客户端。worker 接管之前的请求直接透传到上游。
type Handler struct {
	client cache.Doer
	logger *logrus.Logger
	origin *url.URL
	worker Fetcher
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/worker.
func NewHandler(client cache.Doer, logger *logrus.Logger, origin *url.URL, w Fetcher) *Handler {
	return &Handler{
		client: client,
		logger: logger,
		origin: origin,
		worker: w,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	upstreamURL := resolveUpstreamURL(h.origin, c)
	req, err := buildUpstreamRequest(ctx, c, upstreamURL, bytesReader(c.Body()))
	if err != nil {
		h.logResult(c, upstreamURL.String(), requestID, 0, sourcePassthrough, started, err)
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if !h.worker.Controlling() {
		return h.passthrough(c, req, requestID, started)
	}

	out, err := h.worker.Fetch(ctx, req)
	switch {
	case errors.Is(err, worker.ErrNotActivated):
		return h.passthrough(c, req, requestID, started)
	case err != nil:
		h.logResult(c, upstreamURL.String(), requestID, 0, string(worker.SourceNetwork), started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	if out.Source == worker.SourceNone || out.Response == nil {
		// 网络不可达且无缓存：没有响应对象，只返回空的 504。
		c.Set("X-Ledger-Cache-Hit", "false")
		c.Status(fiber.StatusGatewayTimeout)
		h.logResult(c, upstreamURL.String(), requestID, 0, string(worker.SourceNone), started, nil)
		return nil
	}

	return h.writeResponse(c, out.Response, out.Source == worker.SourceCache, requestID, string(out.Source), started)
}

func (h *Handler) passthrough(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c, req.URL.String(), requestID, 0, sourcePassthrough, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.writeResponse(c, resp, false, requestID, sourcePassthrough, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	resp *http.Response,
	cacheHit bool,
	requestID string,
	source string,
	started time.Time,
) error {
	defer resp.Body.Close()

	upstream := h.origin.String()
	if resp.Request != nil && resp.Request.URL != nil {
		upstream = resp.Request.URL.String()
	}

	copyResponseHeaders(c, resp.Header)
	if cacheHit {
		c.Set("X-Ledger-Cache-Hit", "true")
	} else {
		c.Set("X-Ledger-Cache-Hit", "false")
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, upstream, requestID, resp.StatusCode, source, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, upstream, requestID, resp.StatusCode, source, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func buildUpstreamRequest(ctx context.Context, c fiber.Ctx, upstream *url.URL, body io.Reader) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	upstream string,
	requestID string,
	status int,
	source string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(h.worker.CacheName(), c.Method(), requestPath(c), source)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	// path.Clean 会去掉目录请求的结尾斜杠，而缓存键需要区分 /reports 与 /reports/。
	if raw != "/" && raw[len(raw)-1] == '/' && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

// resolveUpstreamURL 以配置的上游为基准拼出目标地址，保留原始查询串。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 逐值追加，Set-Cookie 等多值头部不会被后一个值覆盖。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
