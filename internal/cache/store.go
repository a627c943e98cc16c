package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理分区化的响应条目。每个分区对应一个缓存标识，条目以请求路径为键。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入响应正文与元数据，分区不存在时自动创建。实现需保证单条目写入原子性，
	// 失败时不得留下半成品。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// Create 幂等地创建分区，保留首次创建的顺序。
	Create(ctx context.Context, name string) error

	// Names 按创建顺序返回所有分区名。
	Names(ctx context.Context) ([]string, error)

	// Drop 删除整个分区，返回分区此前是否存在。
	Drop(ctx context.Context, name string) (bool, error)

	// Keys 按写入顺序返回分区内的条目定位信息。分区不存在时返回 ErrNotFound。
	Keys(ctx context.Context, name string) ([]Locator, error)

	// Close 释放底层资源。
	Close() error
}

// PutOptions 描述与正文一同保存的响应元数据。
type PutOptions struct {
	StatusCode int
	Header     http.Header
	ModTime    time.Time
}

// Locator 唯一定位一个缓存条目（分区名 + 请求路径），Path 为 URL 路径，带查询串时包含 "?query"。
type Locator struct {
	CacheName string
	Path      string
}

// Entry 表示一次缓存命中结果，包含保存时的状态码、头部与正文信息。
type Entry struct {
	Locator    Locator     `json:"locator"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	SizeBytes  int64       `json:"size_bytes"`
	ModTime    time.Time   `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存条目或分区不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotGET 表示尝试以非 GET 请求读写缓存。
	ErrNotGET = errors.New("cache only accepts GET requests")
	// ErrInvalidName 表示分区名为空。
	ErrInvalidName = errors.New("cache name required")
)

func normalizeStatus(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}
