package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateRequest 表示 AddAll 收到了重复的请求键。
	ErrDuplicateRequest = errors.New("duplicate request in addAll")
	// ErrBadStatus 表示 AddAll 获取到的响应不是 2xx。
	ErrBadStatus = errors.New("response status is not ok")
	// ErrUnstorable 表示响应无法写入缓存（206 或 Vary: *）。
	ErrUnstorable = errors.New("response cannot be stored")
)

// Doer 抽象发起网络请求的能力，*http.Client 即满足该接口。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Storage 对应浏览器的 CacheStorage：按名称打开、列举、删除分区，并跨分区匹配请求。
type Storage struct {
	store Store
}

// NewStorage 包装一个 Store 后端。
func NewStorage(store Store) *Storage {
	return &Storage{store: store}
}

// Open 打开（不存在时创建）指定名称的分区。
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := s.store.Create(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{name: name, store: s.store}, nil
}

// Has 判断分区是否存在。
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.store.Names(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Delete 删除整个分区，返回分区此前是否存在。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.store.Drop(ctx, name)
}

// Keys 按创建顺序返回所有分区名。
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.store.Names(ctx)
}

// Match 按分区创建顺序查找第一个命中的响应；未命中返回 ErrNotFound。
func (s *Storage) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	names, err := s.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	key := RequestKey(req)
	for _, name := range names {
		result, err := s.store.Get(ctx, Locator{CacheName: name, Path: key})
		switch {
		case err == nil:
			return toResponse(result, req), nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Store 返回底层后端，供诊断接口读取条目元数据。
func (s *Storage) Store() Store {
	return s.store
}

// Cache 对应单个命名分区。
type Cache struct {
	name  string
	store Store
}

// Name 返回分区名。
func (c *Cache) Name() string {
	return c.name
}

// Match 查找分区内与请求对应的响应；非 GET 请求永远未命中。
func (c *Cache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	result, err := c.store.Get(ctx, c.locator(req))
	if err != nil {
		return nil, err
	}
	return toResponse(result, req), nil
}

// Put 将响应写入分区，会读取并关闭 resp.Body。
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	defer resp.Body.Close()
	if err := checkStorable(req, resp); err != nil {
		return err
	}
	_, err := c.store.Put(ctx, c.locator(req), resp.Body, PutOptions{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	})
	return err
}

// Delete 删除分区内与请求对应的条目，返回条目此前是否存在。
func (c *Cache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if req.Method != http.MethodGet {
		return false, nil
	}
	locator := c.locator(req)
	result, err := c.store.Get(ctx, locator)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	result.Reader.Close()
	if err := c.store.Remove(ctx, locator); err != nil {
		return false, err
	}
	return true, nil
}

// Keys 按写入顺序返回分区内的请求键。
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	locators, err := c.store.Keys(ctx, c.name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(locators))
	for i, locator := range locators {
		keys[i] = locator.Path
	}
	return keys, nil
}

// maxConcurrentFetches 限制 AddAll 同时发出的上游请求数。
const maxConcurrentFetches = 8

type fetched struct {
	req    *http.Request
	status int
	header http.Header
	body   []byte
}

// AddAll 并发获取所有请求，全部成功后再逐条写入；任一失败则整体失败，
// 已写入的条目会被回滚。
func (c *Cache) AddAll(ctx context.Context, client Doer, reqs []*http.Request) error {
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if req.Method != http.MethodGet {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL, ErrNotGET)
		}
		key := RequestKey(req)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%s: %w", key, ErrDuplicateRequest)
		}
		seen[key] = struct{}{}
	}

	results := make([]fetched, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := client.Do(req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("fetch %s: %d: %w", req.URL, resp.StatusCode, ErrBadStatus)
			}
			if err := checkStorable(req, resp); err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read %s: %w", req.URL, err)
			}
			results[i] = fetched{req: req, status: resp.StatusCode, header: resp.Header.Clone(), body: body}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	written := make([]Locator, 0, len(results))
	for _, item := range results {
		locator := c.locator(item.req)
		_, err := c.store.Put(ctx, locator, bytes.NewReader(item.body), PutOptions{
			StatusCode: item.status,
			Header:     item.header,
		})
		if err != nil {
			return errors.Join(fmt.Errorf("store %s: %w", locator.Path, err), c.rollback(ctx, written))
		}
		written = append(written, locator)
	}
	return nil
}

func (c *Cache) rollback(ctx context.Context, written []Locator) error {
	var errs []error
	for _, locator := range written {
		if err := c.store.Remove(context.WithoutCancel(ctx), locator); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) locator(req *http.Request) Locator {
	return Locator{CacheName: c.name, Path: RequestKey(req)}
}

func checkStorable(req *http.Request, resp *http.Response) error {
	if req.Method != http.MethodGet {
		return ErrNotGET
	}
	if resp.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("partial content: %w", ErrUnstorable)
	}
	for _, v := range resp.Header.Values("Vary") {
		if v == "*" {
			return fmt.Errorf("vary *: %w", ErrUnstorable)
		}
	}
	return nil
}
