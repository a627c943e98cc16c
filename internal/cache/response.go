package cache

import (
	"fmt"
	"net/http"
)

// RequestKey 返回请求在分区内的键：转义后的路径，带查询串时追加 "?query"，忽略片段。
// 键不含 scheme 与 host：一个 Storage 只服务单一上游，跨源请求由调用方在查缓存前过滤。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "/"
	}
	key := req.URL.EscapedPath()
	if key == "" {
		key = "/"
	}
	if req.URL.RawQuery != "" {
		key += "?" + req.URL.RawQuery
	}
	return key
}

// toResponse 将读取结果还原为 http.Response，Body 由调用方负责关闭。
func toResponse(result *ReadResult, req *http.Request) *http.Response {
	status := normalizeStatus(result.Entry.StatusCode)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneHeader(result.Entry.Header),
		Body:          result.Reader,
		ContentLength: result.Entry.SizeBytes,
		Request:       req,
	}
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return http.Header{}
	}
	return src.Clone()
}
