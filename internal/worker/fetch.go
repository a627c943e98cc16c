package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/account-book/ledger/internal/cache"
	"github.com/account-book/ledger/internal/logging"
)

// Source 标记一次拦截结果的来源。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	// SourceNone 表示缓存未命中且网络不可达，此时没有响应对象。
	SourceNone Source = "none"
)

// Outcome 是 Fetch 的结果；Source 为 SourceNone 时 Response 为 nil。
type Outcome struct {
	Response *http.Response
	Source   Source
}

// Fetch 按 cache-first 策略处理请求。
// 非 GET 请求直接走网络并原样返回错误；GET 请求先查缓存，未命中再走网络，
// 网络失败只记录日志，返回 SourceNone 且不返回错误。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (Outcome, error) {
	if !w.Controlling() {
		return Outcome{}, ErrNotActivated
	}
	req = req.WithContext(ctx)
	started := time.Now()

	if req.Method != http.MethodGet {
		resp, err := w.client.Do(req)
		if err != nil {
			w.logFetch(req, SourceNone, started, err)
			return Outcome{}, err
		}
		w.logFetch(req, SourceNetwork, started, nil)
		return Outcome{Response: resp, Source: SourceNetwork}, nil
	}

	// 缓存键只包含路径与查询串，因此只有发往配置上游的请求才查缓存。
	if !w.sameOrigin(req) {
		return w.fetchNetwork(ctx, req, started)
	}

	resp, err := w.storage.Match(ctx, req)
	switch {
	case err == nil:
		w.logFetch(req, SourceCache, started, nil)
		return Outcome{Response: resp, Source: SourceCache}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		// 存储读失败按未命中处理，不影响网络兜底。
		w.logger.WithFields(logging.RequestFields(w.cacheName, req.Method, cache.RequestKey(req), "cache")).
			WithError(err).Warn("cache_lookup_failed")
	}

	return w.fetchNetwork(ctx, req, started)
}

// fetchNetwork 处理 GET 未命中：网络失败只记日志并返回 SourceNone。
func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request, started time.Time) (Outcome, error) {
	resp, err := w.client.Do(req)
	if err != nil {
		w.logFetch(req, SourceNone, started, err)
		return Outcome{Source: SourceNone}, nil
	}

	if w.writeBack {
		resp = w.writeBackResponse(ctx, req, resp)
	}
	w.logFetch(req, SourceNetwork, started, nil)
	return Outcome{Response: resp, Source: SourceNetwork}, nil
}

// writeBackResponse 将 200 且来自配置上游的响应写入当前缓存，返回可再次读取 body 的响应。
func (w *Worker) writeBackResponse(ctx context.Context, req *http.Request, resp *http.Response) *http.Response {
	if resp.StatusCode != http.StatusOK || !w.sameOrigin(req) {
		return resp
	}
	fields := logging.CacheFields("writeback", w.cacheName)
	fields["path"] = cache.RequestKey(req)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("writeback_read_failed")
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	stored := &http.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
	c, err := w.storage.Open(ctx, w.cacheName)
	if err == nil {
		err = c.Put(ctx, req, stored)
	}
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("writeback_failed")
		return resp
	}
	w.logger.WithFields(fields).Debug("writeback_stored")
	return resp
}

func (w *Worker) sameOrigin(req *http.Request) bool {
	return strings.EqualFold(req.URL.Scheme, w.origin.Scheme) && strings.EqualFold(req.URL.Host, w.origin.Host)
}

func (w *Worker) logFetch(req *http.Request, source Source, started time.Time, err error) {
	fields := logging.RequestFields(w.cacheName, req.Method, cache.RequestKey(req), string(source))
	fields["action"] = "fetch"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := w.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("fetch_failed")
		return
	}
	entry.Debug("fetch_complete")
}
